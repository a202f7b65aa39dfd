package errors

import (
	"fmt"
	"testing"
)

func TestRegisterDuplicateCodePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("panic expected")
		}
	}()
	Register(ErrNotFound.ABCICode(), "conflicting")
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	cases := map[string]struct {
		root    *Error
		err     error
		matches bool
	}{
		"direct root":      {ErrDuplicate, ErrDuplicate, true},
		"single wrap":      {ErrDuplicate, Wrap(ErrDuplicate, "deposit"), true},
		"double wrap":      {ErrNetwork, Wrap(Wrap(ErrNetwork, "rpc"), "scan"), true},
		"different root":   {ErrDuplicate, Wrap(ErrNotFound, "deposit"), false},
		"stdlib error":     {ErrDuplicate, fmt.Errorf("duplicate"), false},
		"nil against root": {ErrDuplicate, nil, false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := tc.root.Is(tc.err); got != tc.matches {
				t.Fatalf("want %v, got %v", tc.matches, got)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "no failure"); err != nil {
		t.Fatalf("wrapping nil must return nil, got %+v", err)
	}
}

func TestWrapPreservesMessageChain(t *testing.T) {
	err := Wrapf(ErrStaleCheckpoint, "generation %d", 4)
	const want = "generation 4: stale checkpoint"
	if err.Error() != want {
		t.Fatalf("want %q, got %q", want, err.Error())
	}
}

func TestTaxonomy(t *testing.T) {
	if !IsTransient(Wrap(ErrNetwork, "rpc")) {
		t.Fatal("network errors are transient")
	}
	if !IsTransient(Wrap(ErrTimeout, "rpc")) {
		t.Fatal("timeouts are transient")
	}
	if IsTransient(Wrap(ErrInvalidProof, "bad merkle branch")) {
		t.Fatal("invalid proofs must not be retried")
	}
	if !IsFatal(Wrap(ErrEmptySet, "zero power")) {
		t.Fatal("empty set is fatal")
	}
	if !IsFatal(Wrap(ErrCorruption, "cursor")) {
		t.Fatal("corruption is fatal")
	}
	if IsFatal(Wrap(ErrNetwork, "rpc")) {
		t.Fatal("network errors are not fatal")
	}
}

func TestRecover(t *testing.T) {
	var err error
	func() {
		defer Recover(&err)
		panic("kaboom")
	}()
	if !ErrPanic.Is(err) {
		t.Fatalf("want ErrPanic, got %+v", err)
	}
}
