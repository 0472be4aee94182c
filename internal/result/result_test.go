package result

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodeOf(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil is success", nil, Success},
		{"result error", New("Open", DeviceAlreadyOpen), DeviceAlreadyOpen},
		{"wrapped result error", fmt.Errorf("outer: %w", New("Grab", DeviceNotStarted)), DeviceNotStarted},
		{"plain error", errors.New("boom"), SystemError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Errorf("CodeOf() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestIsSuccess(t *testing.T) {
	if !IsSuccess(nil) {
		t.Error("Expected nil to be success")
	}
	if IsSuccess(New("Close", HardwareError)) {
		t.Error("Expected HardwareError not to be success")
	}
}

func TestNew_Fields(t *testing.T) {
	err := New("AcqStart", UnsupportedPixelFormat)

	if err.Op != "AcqStart" {
		t.Errorf("Expected op AcqStart, got %s", err.Op)
	}
	if err.Message != UnsupportedPixelFormat.Message() {
		t.Errorf("Unexpected message: %s", err.Message)
	}
	if !strings.HasPrefix(err.Trace, "result_test.go:") {
		t.Errorf("Expected trace to point at the caller, got %q", err.Trace)
	}
	if err.Inner != nil {
		t.Error("Expected no inner code")
	}
	if !strings.Contains(err.Error(), "AcqStart") {
		t.Errorf("Expected error string to contain op, got %q", err.Error())
	}
}

func TestWrap(t *testing.T) {
	if Wrap("Open", HardwareError, nil) != nil {
		t.Fatal("Expected nil for nil error")
	}

	native := errors.New("digitizer allocation failed")
	err := Wrap("Open", HardwareError, native)

	if CodeOf(err) != HardwareError {
		t.Fatalf("Expected HardwareError, got %s", CodeOf(err))
	}
	if !strings.Contains(err.Error(), "digitizer allocation failed") {
		t.Errorf("Expected native message to be kept, got %q", err.Error())
	}
	if !errors.Is(err, native) {
		t.Error("Expected wrapped error to unwrap to the native error")
	}

	// 同じ操作名ならそのまま返す
	inner := New("Grab", DeviceNotStarted)
	if Wrap("Grab", HardwareError, inner) != inner {
		t.Error("Expected an existing result with the same op to pass through unchanged")
	}
}

func TestWrap_ExistingResultTakesOuterOp(t *testing.T) {
	inner := Newf("Channels", UnsupportedPixelFormat, " (%q)", "Mono 16")
	err := Wrap("AcqStart", HardwareError, inner)

	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if re.Op != "AcqStart" {
		t.Errorf("Expected op AcqStart, got %s", re.Op)
	}
	if re.Code != UnsupportedPixelFormat {
		t.Errorf("Expected inner code to be kept, got %s", re.Code)
	}
	if re.Trace != inner.Trace {
		t.Errorf("Expected origin trace %q, got %q", inner.Trace, re.Trace)
	}
	if !strings.HasPrefix(err.Error(), "AcqStart: Channels: ") {
		t.Errorf("Expected both ops in the message, got %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("Expected the wrapped result to unwrap to the original")
	}
}

func TestErrorsIs_MatchesByCode(t *testing.T) {
	err := New("AcqStartAt", IndexOutOfRange)

	if !errors.Is(err, New("", IndexOutOfRange)) {
		t.Error("Expected errors.Is to match on code")
	}
	if errors.Is(err, New("", DeviceNotOpen)) {
		t.Error("Expected errors.Is not to match a different code")
	}
}

func TestWithInner(t *testing.T) {
	err := New("Open", SystemError).WithInner(HardwareError)
	if err.Inner == nil || *err.Inner != HardwareError {
		t.Fatalf("Expected inner code HardwareError, got %v", err.Inner)
	}
}

func TestRecover(t *testing.T) {
	call := func() (err error) {
		defer Recover("Grab", &err)
		panic("driver crashed")
	}

	err := call()
	if CodeOf(err) != SystemError {
		t.Fatalf("Expected SystemError, got %s", CodeOf(err))
	}
	if !strings.Contains(err.Error(), "driver crashed") {
		t.Errorf("Expected panic value in message, got %q", err.Error())
	}
}

func TestRecover_NoPanic(t *testing.T) {
	call := func() (err error) {
		defer Recover("Grab", &err)
		return nil
	}

	if err := call(); err != nil {
		t.Fatalf("Expected nil, got %v", err)
	}
}

func TestCode_String(t *testing.T) {
	if ConfigParseError.String() != "ConfigParseError" {
		t.Errorf("Unexpected name: %s", ConfigParseError.String())
	}
	if Code(-999).Message() != "Not Defined Err." {
		t.Errorf("Unexpected message for unknown code: %s", Code(-999).Message())
	}
}
