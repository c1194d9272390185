// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// validateFn is the function a gate script must define, either globally or
// as a field of the table the script returns.
const validateFn = "validate"

// LuaGate runs a sandboxed Lua script as a quality gate. The script's
// validate(input) function returns a table with status, score and issues.
type LuaGate struct {
	name  string
	proto *lua.FunctionProto
	pool  sync.Pool
}

// NewLuaGate compiles source into a gate.
func NewLuaGate(name, source string) (*LuaGate, error) {
	g := &LuaGate{name: name}
	g.pool.New = func() any { return newSandbox() }

	L := g.getState()
	defer g.putState(L)
	fn, err := L.LoadString(source)
	if err != nil {
		return nil, fmt.Errorf("compile gate %s: %w", name, err)
	}
	g.proto = fn.Proto
	return g, nil
}

// LoadLuaDir compiles every *.lua file in dir into a gate named after the
// file. Scripts that fail to compile are logged and skipped.
func LoadLuaDir(dir string) ([]*LuaGate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("gate scripts directory %s does not exist, skipping", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read gate scripts directory: %w", err)
	}

	var out []*LuaGate
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".lua")
		src, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warnf("failed to read gate script %s: %v", entry.Name(), err)
			continue
		}
		g, err := NewLuaGate(name, string(src))
		if err != nil {
			log.Warnf("failed to load gate script %s: %v", entry.Name(), err)
			continue
		}
		log.Infof("loaded scripted quality gate: %s", name)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// newSandbox returns a state with only the safe standard libraries.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	return L
}

func (g *LuaGate) getState() *lua.LState {
	return g.pool.Get().(*lua.LState)
}

func (g *LuaGate) putState(L *lua.LState) {
	L.SetTop(0)
	L.RemoveContext()
	g.pool.Put(L)
}

// Name returns the gate name.
func (g *LuaGate) Name() string { return g.name }

// Validate runs the script against in. The script is interrupted when ctx
// is done.
func (g *LuaGate) Validate(ctx context.Context, in Input) (Report, error) {
	L := g.getState()
	defer g.putState(L)
	L.SetContext(ctx)

	L.Push(L.NewFunctionFromProto(g.proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return Report{}, fmt.Errorf("gate %s: load: %w", g.name, err)
	}
	module := L.Get(-1)
	L.Pop(1)

	var fn lua.LValue
	if module.Type() == lua.LTTable {
		fn = L.GetField(module, validateFn)
	} else {
		fn = L.GetGlobal(validateFn)
	}
	if fn.Type() != lua.LTFunction {
		return Report{}, fmt.Errorf("gate %s does not define %s()", g.name, validateFn)
	}

	L.Push(fn)
	L.Push(inputTable(L, in))
	if err := L.PCall(1, 1, nil); err != nil {
		return Report{}, fmt.Errorf("gate %s: %w", g.name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return Report{}, fmt.Errorf("gate %s returned %s, want table", g.name, ret.Type())
	}
	return reportFromTable(g.name, tbl), nil
}

func inputTable(L *lua.LState, in Input) *lua.LTable {
	return goMapToLuaTable(L, map[string]any{
		"phase":      in.Phase,
		"tool":       in.Tool,
		"operation":  in.Operation,
		"files":      toAnySlice(in.Files),
		"content":    toAnyMap(in.Content),
		"parameters": in.Parameters,
	})
}

func reportFromTable(name string, tbl *lua.LTable) Report {
	r := Report{Gate: name, Score: 1}
	if s, ok := tbl.RawGetString("score").(lua.LNumber); ok {
		r.Score = clampScore(float64(s))
	}
	if issues, ok := tbl.RawGetString("issues").(*lua.LTable); ok {
		issues.ForEach(func(_, v lua.LValue) {
			r.Issues = append(r.Issues, v.String())
		})
	}
	switch st := Status(lua.LVAsString(tbl.RawGetString("status"))); st {
	case StatusPassed, StatusWarning, StatusFailed, StatusError:
		r.Status = st
	default:
		r.Status = scoreStatus(r.Score, r.Issues)
	}
	return r
}

func goMapToLuaTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		L.SetField(tbl, k, goValueToLua(L, v))
	}
	return tbl
}

func goValueToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.RawSetInt(tbl, i+1, goValueToLua(L, item))
		}
		return tbl
	case map[string]any:
		return goMapToLuaTable(L, val)
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func toAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
