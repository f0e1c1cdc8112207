// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// Fataler is the subset of testing.TB the wait helpers need.
type Fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value sent on ch, failing the test
// if none arrives within timeout or ch is closed first. what names the
// awaited event in the failure message.
//
//	err := testutil.RequireReceive(t, serveDone, 5*time.Second, "zygote serve loop")
func RequireReceive[T any](t Fataler, ch <-chan T, timeout time.Duration, what string, args ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed before a value arrived", describe(what, args))
		}
		return value
	case <-timer.C:
		t.Fatalf("%s: nothing received within %v", describe(what, args), timeout)
	}
	panic("unreachable")
}

// RequireClosed waits for ch to be closed, failing the test after
// timeout. It suits Done channels such as [process.Child.Done].
//
//	testutil.RequireClosed(t, child.Done(), 5*time.Second, "child reaped")
func RequireClosed(t Fataler, ch <-chan struct{}, timeout time.Duration, what string, args ...any) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("%s: still open after %v", describe(what, args), timeout)
	}
}

func describe(what string, args []any) string {
	if len(args) == 0 {
		return what
	}
	return fmt.Sprintf(what, args...)
}
