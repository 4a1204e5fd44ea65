package ffihost

import (
	"github.com/pkg/errors"

	"polyvm/internal/errs"
)

// HostFunc is one foreign call a ForeignCapabilitySet exposes to
// either execution engine: a variadic Go function taking and
// returning the engine-agnostic boxed values a front-end's native
// bridge converts to/from register contents.
type HostFunc func(args ...interface{}) (interface{}, error)

// ForeignCapabilitySet is an FFI/foreign-call trampoline bundle: a
// name-addressed table of host capabilities (SQL, WebSockets) a
// bytecode CALL_HOST instruction dispatches through, backed by DBHost
// and NetHost.
//
// This is NOT spec §6's MemoryInstructionSet ("clone, drop, deref,
// alloc/alloc_unsized/free in GC and non-GC flavors, memory_copy") --
// that bundle is a fixed set of memory-management instruction-catalog
// entries threaded into every InstructionSet (see
// internal/bytecode.NewInstructionSet and internal/interp's builtin
// handler wiring). ForeignCapabilitySet is this repo's optional,
// domain-specific sibling: an application-level host-call table a
// front-end may additionally import, analogous to the teacher's
// database/network native-function bindings.
type ForeignCapabilitySet struct {
	DB  *DBHost
	Net *NetHost

	funcs map[string]HostFunc
}

func NewForeignCapabilitySet() *ForeignCapabilitySet {
	s := &ForeignCapabilitySet{DB: NewDBHost(), Net: NewNetHost(), funcs: make(map[string]HostFunc)}
	s.registerDefaults()
	return s
}

// Register adds or replaces a named host capability.
func (s *ForeignCapabilitySet) Register(name string, fn HostFunc) {
	s.funcs[name] = fn
}

// Call dispatches name with args; unknown names are a host-contract
// error (spec §7's ResourceError Unsupported case), not a panic, since
// the catalog a front-end targets is not known until link time.
func (s *ForeignCapabilitySet) Call(name string, args ...interface{}) (interface{}, error) {
	fn, ok := s.funcs[name]
	if !ok {
		return nil, errors.Wrapf(errs.NewResourceError(errs.Unsupported, name), "ffihost: no host capability named %q", name)
	}
	return fn(args...)
}

func (s *ForeignCapabilitySet) registerDefaults() {
	s.Register("sql_connect", func(args ...interface{}) (interface{}, error) {
		id, dbType, dsn, err := threeStrings(args)
		if err != nil {
			return nil, err
		}
		return nil, s.DB.Connect(id, dbType, dsn)
	})
	s.Register("sql_close", func(args ...interface{}) (interface{}, error) {
		id, err := oneString(args)
		if err != nil {
			return nil, err
		}
		return nil, s.DB.Close(id)
	})
	s.Register("sql_query", func(args ...interface{}) (interface{}, error) {
		if len(args) < 2 {
			return nil, errors.New("ffihost: sql_query expects at least 2 arguments: conn_id, query")
		}
		id, ok := args[0].(string)
		if !ok {
			return nil, errors.New("ffihost: sql_query conn_id must be a string")
		}
		query, ok := args[1].(string)
		if !ok {
			return nil, errors.New("ffihost: sql_query query must be a string")
		}
		return s.DB.Query(id, query, args[2:]...)
	})
	s.Register("sql_exec", func(args ...interface{}) (interface{}, error) {
		if len(args) < 2 {
			return nil, errors.New("ffihost: sql_exec expects at least 2 arguments: conn_id, query")
		}
		id, ok := args[0].(string)
		if !ok {
			return nil, errors.New("ffihost: sql_exec conn_id must be a string")
		}
		query, ok := args[1].(string)
		if !ok {
			return nil, errors.New("ffihost: sql_exec query must be a string")
		}
		return s.DB.Exec(id, query, args[2:]...)
	})
	s.Register("ws_connect", func(args ...interface{}) (interface{}, error) {
		url, err := oneString(args)
		if err != nil {
			return nil, err
		}
		return s.Net.Connect(url)
	})
	s.Register("ws_send", func(args ...interface{}) (interface{}, error) {
		id, msg, err := twoStrings(args)
		if err != nil {
			return nil, err
		}
		return nil, s.Net.Send(id, msg)
	})
	s.Register("ws_close", func(args ...interface{}) (interface{}, error) {
		id, err := oneString(args)
		if err != nil {
			return nil, err
		}
		return nil, s.Net.Close(id)
	})
}

func oneString(args []interface{}) (string, error) {
	if len(args) != 1 {
		return "", errors.New("ffihost: expects exactly 1 argument")
	}
	s, ok := args[0].(string)
	if !ok {
		return "", errors.New("ffihost: argument must be a string")
	}
	return s, nil
}

func twoStrings(args []interface{}) (string, string, error) {
	if len(args) != 2 {
		return "", "", errors.New("ffihost: expects exactly 2 arguments")
	}
	a, ok1 := args[0].(string)
	b, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return "", "", errors.New("ffihost: arguments must be strings")
	}
	return a, b, nil
}

func threeStrings(args []interface{}) (string, string, string, error) {
	if len(args) != 3 {
		return "", "", "", errors.New("ffihost: expects exactly 3 arguments")
	}
	a, ok1 := args[0].(string)
	b, ok2 := args[1].(string)
	c, ok3 := args[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return "", "", "", errors.New("ffihost: arguments must be strings")
	}
	return a, b, c, nil
}
