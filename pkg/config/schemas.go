package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// documentSchema constrains CUE policy documents before they are exported.
// YAML and JSON documents get the same checks from struct decoding and
// validator tags.
const documentSchema = `
#Kind: "PackageState" | "ServiceState" | "FileAttributes" | "LineInFile" |
	"MountOption" | "SysctlValue" | "CommandAssertion"

#Resource: {
	id:       string & != ""
	kind:     #Kind
	params?:  {...}
	desired?: {...}
	notify?:  [...string]
	fatal?:   bool
	tags?:    [...string]
	timeout?: string | number
	loop?:    [...]
}

#Action: {
	service?: string
	verb?:    "restart" | "reload" | "start" | "stop"
	command?: string
}

#Handler: {
	name:   string & != ""
	action: #Action
}

#Document: {
	version?:  string
	name?:     string
	vars?:     {...}
	resources: [...#Resource]
	handlers?: [...#Handler]
}
`

// compileSchema returns the #Document definition.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(documentSchema, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile document schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Document"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("document schema has no #Document: %w", err)
	}
	return def, nil
}
