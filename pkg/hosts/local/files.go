package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/openfroyo/harden/pkg/engine"
)

// WriteFile implements engine.Host. The content is written to a temporary
// file next to the final target and renamed over it, so a symlinked path
// updates the file it points to and the link survives. An existing file
// keeps its mode and ownership; a new file gets mode.
func (h *Host) WriteFile(ctx context.Context, path string, data []byte, mode uint32) error {
	if isProcPath(path) {
		return fmt.Errorf("write %s: %w", path, errors.ErrUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := h.realPath(path)
	if err != nil {
		return err
	}
	uid, gid := -1, -1
	perm := toFileMode(mode)
	if info, err := os.Stat(target); err == nil {
		perm = info.Mode() & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			uid, gid = int(st.Uid), int(st.Gid)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".harden-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if uid >= 0 {
		if err := os.Chown(tmpName, uid, gid); err != nil {
			return fmt.Errorf("failed to keep ownership of %s: %w", path, err)
		}
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", path, err)
	}
	// Past its deadline the caller has already reported a failure, so the
	// target must stay as it was.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write %s abandoned: %w", path, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	h.logger.Debug().Str("path", path).Int("bytes", len(data)).Msg("File written")
	return nil
}

// Stat implements engine.Host. Owner and group are names when they resolve,
// numeric IDs otherwise.
func (h *Host) Stat(ctx context.Context, path string) (engine.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return engine.FileInfo{}, err
	}
	target, err := h.resolve(path)
	if err != nil {
		return engine.FileInfo{}, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return engine.FileInfo{}, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return engine.FileInfo{}, fmt.Errorf("stat %s: ownership: %w", path, errors.ErrUnsupported)
	}

	ids, err := h.idMap()
	if err != nil {
		return engine.FileInfo{}, err
	}
	return engine.FileInfo{
		Owner: ids.userName(int(st.Uid)),
		Group: ids.groupName(int(st.Gid)),
		Mode:  uint32(st.Mode) & 0o7777,
		IsDir: info.IsDir(),
	}, nil
}

// SetOwnerMode implements engine.Host. Empty owner or group leaves it unchanged.
func (h *Host) SetOwnerMode(ctx context.Context, path, owner, group string, mode uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := h.resolve(path)
	if err != nil {
		return err
	}

	if owner != "" || group != "" {
		ids, err := h.idMap()
		if err != nil {
			return err
		}
		uid, gid := -1, -1
		if owner != "" {
			if uid, err = ids.userID(owner); err != nil {
				return err
			}
		}
		if group != "" {
			if gid, err = ids.groupID(group); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Chown(target, uid, gid); err != nil {
			return fmt.Errorf("failed to set ownership of %s: %w", path, err)
		}
	}

	// chown clears setuid/setgid, so the mode goes last.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("chmod %s abandoned: %w", path, err)
	}
	if err := os.Chmod(target, toFileMode(mode)); err != nil {
		return fmt.Errorf("failed to set mode of %s: %w", path, err)
	}
	return nil
}

// toFileMode converts unix permission bits to an os.FileMode.
func toFileMode(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0o777)
	if mode&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if mode&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if mode&0o1000 != 0 {
		m |= os.ModeSticky
	}
	return m
}

// idResolver maps between user/group names and numeric IDs.
type idResolver interface {
	userName(uid int) string
	groupName(gid int) string
	userID(name string) (int, error)
	groupID(name string) (int, error)
}

func (h *Host) idMap() (idResolver, error) {
	if !h.rooted() {
		return systemIDs{}, nil
	}
	passwd, err := h.resolve("/etc/passwd")
	if err != nil {
		return nil, err
	}
	group, err := h.resolve("/etc/group")
	if err != nil {
		return nil, err
	}
	users, err := readIDFile(passwd)
	if err != nil {
		return nil, err
	}
	groups, err := readIDFile(group)
	if err != nil {
		return nil, err
	}
	return imageIDs{users: users, groups: groups}, nil
}

// systemIDs resolves through the live system's NSS.
type systemIDs struct{}

func (systemIDs) userName(uid int) string {
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		return u.Username
	}
	return strconv.Itoa(uid)
}

func (systemIDs) groupName(gid int) string {
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		return g.Name
	}
	return strconv.Itoa(gid)
}

func (systemIDs) userID(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("unknown user %q: %w", name, err)
	}
	return strconv.Atoi(u.Uid)
}

func (systemIDs) groupID(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("unknown group %q: %w", name, err)
	}
	return strconv.Atoi(g.Gid)
}

// imageIDs resolves through an offline image's passwd and group files.
type imageIDs struct {
	users  idTable
	groups idTable
}

func (i imageIDs) userName(uid int) string  { return i.users.name(uid) }
func (i imageIDs) groupName(gid int) string { return i.groups.name(gid) }

func (i imageIDs) userID(name string) (int, error) {
	return i.users.id(name, "user")
}

func (i imageIDs) groupID(name string) (int, error) {
	return i.groups.id(name, "group")
}

// idTable holds name:x:id entries from passwd(5) or group(5).
type idTable struct {
	byID   map[int]string
	byName map[string]int
}

func (t idTable) name(id int) string {
	if n, ok := t.byID[id]; ok {
		return n
	}
	return strconv.Itoa(id)
}

func (t idTable) id(name, what string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	if id, ok := t.byName[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown %s %q", what, name)
}

// readIDFile parses the first three fields of passwd or group. A missing file
// yields an empty table so numeric IDs are reported.
func readIDFile(path string) (idTable, error) {
	t := idTable{byID: map[int]string{}, byName: map[string]int{}}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t, nil
		}
		return t, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, ":", 4)
		if len(fields) < 3 {
			continue
		}
		id, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		if _, seen := t.byID[id]; !seen {
			t.byID[id] = fields[0]
		}
		if _, seen := t.byName[fields[0]]; !seen {
			t.byName[fields[0]] = id
		}
	}
	if err := scanner.Err(); err != nil {
		return t, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return t, nil
}
