// lua_bridge.go: Go <-> Lua value marshalling for the Lua backend
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"fmt"
	"reflect"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// HostFunc is a Go callback exposed to scripts as a plain Lua function.
// Scripts call it with dot syntax, e.g. ctx.add(1).
//
// Maps, slices and structs reach a script as copies, so assigning to one of
// their fields changes nothing on the host. Hosts that let scripts modify an
// object hand them a HostFunc that does it:
//
//	req := map[string]any{
//	    "url": u,
//	    "set_header": traceplug.HostFunc(func(args []any) (any, error) {
//	        header.Set(fmt.Sprint(args[0]), fmt.Sprint(args[1]))
//	        return nil, nil
//	    }),
//	}
type HostFunc func(args []any) (any, error)

// maxBridgeDepth bounds Go to Lua conversion of self-referencing values.
const maxBridgeDepth = 32

// luaBridge converts values for a single Lua state.
type luaBridge struct {
	L *lua.LState
}

func newLuaBridge(L *lua.LState) *luaBridge {
	return &luaBridge{L: L}
}

// toLua converts a Go value to a Lua value.
func (b *luaBridge) toLua(v any) lua.LValue {
	return b.toLuaDepth(v, 0)
}

func (b *luaBridge) toLuaDepth(v any, depth int) lua.LValue {
	if v == nil || depth > maxBridgeDepth {
		return lua.LNil
	}

	switch val := v.(type) {
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case HostFunc:
		return b.hostFunction(val)
	case func([]any) (any, error):
		return b.hostFunction(val)
	case []any:
		t := b.L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, b.toLuaDepth(item, depth+1))
		}
		return t
	case map[string]any:
		t := b.L.NewTable()
		for k, item := range val {
			t.RawSetString(k, b.toLuaDepth(item, depth+1))
		}
		return t
	default:
		return b.reflectToLua(reflect.ValueOf(v), depth)
	}
}

func (b *luaBridge) reflectToLua(rv reflect.Value, depth int) lua.LValue {
	if !rv.IsValid() {
		return lua.LNil
	}

	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return lua.LNil
		}
		return b.toLuaDepth(rv.Elem().Interface(), depth+1)

	case reflect.Bool:
		return lua.LBool(rv.Bool())

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int())

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return lua.LNumber(rv.Uint())

	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float())

	case reflect.String:
		return lua.LString(rv.String())

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return lua.LNil
		}
		t := b.L.NewTable()
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, b.toLuaDepth(rv.Index(i).Interface(), depth+1))
		}
		return t

	case reflect.Map:
		if rv.IsNil() {
			return lua.LNil
		}
		t := b.L.NewTable()
		iter := rv.MapRange()
		for iter.Next() {
			t.RawSet(b.toLuaDepth(iter.Key().Interface(), depth+1), b.toLuaDepth(iter.Value().Interface(), depth+1))
		}
		return t

	case reflect.Struct:
		return b.structToTable(rv, depth)

	default:
		// channels, funcs of other shapes, unsafe pointers
		ud := b.L.NewUserData()
		ud.Value = rv.Interface()
		return ud
	}
}

// structToTable exposes exported fields, named by their json tag when present.
func (b *luaBridge) structToTable(rv reflect.Value, depth int) *lua.LTable {
	t := b.L.NewTable()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		t.RawSetString(name, b.toLuaDepth(rv.Field(i).Interface(), depth+1))
	}
	return t
}

// hostFunction wraps fn as a Lua function. A returned error is raised as a
// Lua error inside the calling script.
func (b *luaBridge) hostFunction(fn func([]any) (any, error)) *lua.LFunction {
	return b.L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		args := make([]any, top)
		for i := 1; i <= top; i++ {
			args[i-1] = b.toGo(L.Get(i))
		}
		result, err := fn(args)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(b.toLua(result))
		return 1
	})
}

// toGo converts a Lua value to a Go value. Integral numbers become int64,
// sequence tables become []any and other tables map[string]any.
func (b *luaBridge) toGo(lv lua.LValue) any {
	return b.toGoVisited(lv, make(map[*lua.LTable]bool))
}

func (b *luaBridge) toGoVisited(lv lua.LValue, visited map[*lua.LTable]bool) any {
	if lv == nil {
		return nil
	}

	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return b.tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

func (b *luaBridge) tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	maxN := 0
	count := 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if kn, ok := k.(lua.LNumber); ok {
			n := int(kn)
			if float64(n) == float64(kn) && n > 0 {
				if n > maxN {
					maxN = n
				}
				return
			}
		}
		isArray = false
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = b.toGoVisited(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = fmt.Sprintf("%v", float64(kv))
		default:
			key = k.String()
		}
		m[key] = b.toGoVisited(v, visited)
	})
	return m
}

// resultFor maps a method's Lua return value onto its declared type.
func resultFor(returns ValueType, lv lua.LValue, b *luaBridge) any {
	switch returns {
	case TypeVoid:
		return nil
	case TypeBool:
		return lua.LVAsBool(lv)
	case TypeString:
		if lv == lua.LNil {
			return ""
		}
		return lv.String()
	default:
		return b.toGo(lv)
	}
}
