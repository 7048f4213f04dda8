// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanOrder(t *testing.T) {
	var order []string
	cu := Make(func() { order = append(order, "pin") })
	cu.Add(func() { order = append(order, "shadow") })
	cu.Add(func() { order = append(order, "record") })
	cu.Clean()

	want := []string{"record", "shadow", "pin"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("cleanup order mismatch (-want +got):\n%s", diff)
	}

	// A second Clean is a no-op.
	cu.Clean()
	if len(order) != len(want) {
		t.Errorf("Clean ran cleaners twice: %v", order)
	}
}

func TestRelease(t *testing.T) {
	var order []string
	release := func() func() {
		cu := Make(func() { order = append(order, "first") })
		defer cu.Clean()
		cu.Add(func() { order = append(order, "second") })
		return cu.Release()
	}()

	if len(order) != 0 {
		t.Fatalf("cleaners ran after Release: %v", order)
	}

	release()
	if diff := cmp.Diff([]string{"second", "first"}, order); diff != "" {
		t.Errorf("released cleaners mismatch (-want +got):\n%s", diff)
	}
}

func TestZeroValue(t *testing.T) {
	var cu Cleanup
	called := false
	cu.Add(func() { called = true })
	cu.Clean()
	if !called {
		t.Errorf("cleaner added to zero Cleanup was not called")
	}
}
