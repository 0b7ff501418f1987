package failure

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestErrorIsKind(t *testing.T) {
	err := New(UnknownBlock, "block %d is not occupied", 7)

	if !errors.Is(err, UnknownBlock) {
		t.Error("expected errors.Is to match UnknownBlock")
	}
	if errors.Is(err, MissingRecord) {
		t.Error("did not expect errors.Is to match MissingRecord")
	}

	wrapped := fmt.Errorf("free: %w", err)
	if !errors.Is(wrapped, UnknownBlock) {
		t.Error("expected errors.Is to see through fmt wrapping")
	}

	if got := err.Error(); got != "[file-storage/unknown-block] block 7 is not occupied" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(WriteError, io.ErrShortWrite, "write block %d", 3)

	if !errors.Is(err, io.ErrShortWrite) {
		t.Error("expected cause to be reachable")
	}
	if !errors.Is(err, WriteError) {
		t.Error("expected kind to match")
	}
	if !strings.Contains(err.Error(), "short write") {
		t.Errorf("cause missing from message: %q", err.Error())
	}
	if err.HTTPCode() != http.StatusInternalServerError {
		t.Errorf("unexpected http code %d", err.HTTPCode())
	}
}

func TestAs(t *testing.T) {
	if As(nil) != nil {
		t.Error("As(nil) should be nil")
	}

	typed := New(MissingRecord, "unknown key: msg-1")
	if got := As(fmt.Errorf("read: %w", typed)); got != typed {
		t.Errorf("expected the typed failure back, got %v", got)
	}

	plain := errors.New("disk on fire")
	got := As(plain)
	if got.Kind != Unknown || !errors.Is(got, plain) {
		t.Errorf("expected Unknown wrapping the plain error, got %v", got)
	}

	if KindOf(BlockLimitExceeded) != BlockLimitExceeded {
		t.Error("a bare Kind should resolve to itself")
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		data     interface{}
		err      error
		wantKind *Kind
	}{
		{"data", []byte("hello"), nil, nil},
		{"typed error", nil, New(BadRequest, "no message ID supplied"), BadRequest},
		{"plain error", nil, errors.New("boom"), Unknown},
		{"nothing", nil, nil, UnknownResource},
		{"nil bytes", []byte(nil), nil, UnknownResource},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Resolve(tc.data, tc.err)
			if tc.wantKind == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				if data == nil {
					t.Fatal("expected data")
				}
				return
			}
			if err == nil || err.Kind != tc.wantKind {
				t.Fatalf("expected %s, got %v", tc.wantKind.Code, err)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	for _, k := range kinds {
		if Lookup(k.Code) != k {
			t.Errorf("Lookup(%q) did not round trip", k.Code)
		}
	}
	if Lookup("nope/nothing") != Unknown {
		t.Error("unknown code should map to Unknown")
	}
}

func TestDescriptionOverride(t *testing.T) {
	err := New(BadRequest, "no message ID supplied").WithDescription("No message ID supplied")
	if err.Description != "No message ID supplied" {
		t.Errorf("unexpected description %q", err.Description)
	}
	if New(BadRequest, "x").Description != BadRequest.Description {
		t.Error("default description should come from the kind")
	}
}
