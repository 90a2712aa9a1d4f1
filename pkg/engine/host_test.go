package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"
)

type mockFile struct {
	data  []byte
	owner string
	group string
	mode  uint32
}

// mockHost is an in-memory Host that counts mutating calls.
type mockHost struct {
	mu        sync.Mutex
	name      string
	files     map[string]*mockFile
	services  map[string]*ServiceStatus
	commands  func(cmd Command) CommandResult
	executed  []string
	mutations int

	// noProc makes /proc reads unsupported, like an offline image.
	noProc bool
	// ignoreOwnerMode accepts SetOwnerMode calls without applying them.
	ignoreOwnerMode bool
	// delay is added to every call, ignoring the context.
	delay time.Duration
	// failService fails every ServiceSetState call.
	failService error
}

func newMockHost(name string) *mockHost {
	return &mockHost{
		name:     name,
		files:    make(map[string]*mockFile),
		services: make(map[string]*ServiceStatus),
	}
}

func (m *mockHost) withFile(path, content, owner, group string, mode uint32) *mockHost {
	m.files[path] = &mockFile{data: []byte(content), owner: owner, group: group, mode: mode}
	return m
}

func (m *mockHost) withService(name string, running, enabled bool) *mockHost {
	m.services[name] = &ServiceStatus{Exists: true, Running: running, Enabled: enabled}
	return m
}

func (m *mockHost) content(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		return ""
	}
	return string(f.data)
}

func (m *mockHost) mutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

func (m *mockHost) wait() {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
}

func (m *mockHost) Name() string { return m.name }

func (m *mockHost) ReadFile(_ context.Context, path string) ([]byte, error) {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noProc && strings.HasPrefix(path, "/proc/") {
		return nil, fmt.Errorf("read %s: %w", path, errors.ErrUnsupported)
	}
	f, ok := m.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), f.data...), nil
}

func (m *mockHost) WriteFile(_ context.Context, path string, data []byte, mode uint32) error {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	if f, ok := m.files[path]; ok {
		f.data = append([]byte(nil), data...)
		return nil
	}
	m.files[path] = &mockFile{data: append([]byte(nil), data...), owner: "root", group: "root", mode: mode}
	return nil
}

func (m *mockHost) Stat(_ context.Context, path string) (FileInfo, error) {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		return FileInfo{}, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return FileInfo{Owner: f.owner, Group: f.group, Mode: f.mode}, nil
}

func (m *mockHost) SetOwnerMode(_ context.Context, path, owner, group string, mode uint32) error {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	f, ok := m.files[path]
	if !ok {
		return &fs.PathError{Op: "chmod", Path: path, Err: fs.ErrNotExist}
	}
	if m.ignoreOwnerMode {
		return nil
	}
	if owner != "" {
		f.owner = owner
	}
	if group != "" {
		f.group = group
	}
	f.mode = mode
	return nil
}

func (m *mockHost) ServiceStatus(_ context.Context, name string) (ServiceStatus, error) {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[name]
	if !ok {
		return ServiceStatus{}, nil
	}
	return *s, nil
}

func (m *mockHost) ServiceSetState(_ context.Context, name string, action ServiceAction) error {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	m.executed = append(m.executed, string(action)+" "+name)
	if m.failService != nil {
		return m.failService
	}
	s, ok := m.services[name]
	if !ok {
		return fmt.Errorf("unit %s not found", name)
	}
	switch action {
	case ServiceStart, ServiceRestart, ServiceReload:
		s.Running = true
	case ServiceStop:
		s.Running = false
	case ServiceEnable:
		s.Enabled = true
	case ServiceDisable:
		s.Enabled = false
	}
	return nil
}

func (m *mockHost) RunCommand(_ context.Context, cmd Command) (CommandResult, error) {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, cmd.String())
	if m.commands == nil {
		return CommandResult{}, nil
	}
	return m.commands(cmd), nil
}

func (m *mockHost) SetSysctl(_ context.Context, key, value string) error {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	path := "/proc/sys/" + strings.ReplaceAll(key, ".", "/")
	if _, ok := m.files[path]; !ok {
		return &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	m.files[path].data = []byte(value + "\n")
	return nil
}

func (m *mockHost) Remount(_ context.Context, mountPoint string, options []string) error {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	table, ok := m.files[mountTablePath]
	if !ok {
		return errors.ErrUnsupported
	}
	lines := strings.Split(string(table.data), "\n")
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[1] != mountPoint {
			continue
		}
		opts := strings.Split(fields[3], ",")
		opts = append(opts, missingOptions(opts, options)...)
		fields[3] = strings.Join(opts, ",")
		lines[i] = strings.Join(fields, " ")
	}
	table.data = []byte(strings.Join(lines, "\n"))
	return nil
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }
