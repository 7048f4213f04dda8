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

// Package util groups helpers shared by ephook commands.
package util

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/ephook/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the user, so they should be user friendly.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs the same message as Warningf and writes it to ErrorLogger, then
// exits with status 128. It should only be used by commands.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
	os.Exit(128)
}

// Infof writes an informational message to ErrorLogger and the log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(ErrorLogger, format+"\n", args...)
}
