// Copyright 2015 Google Inc. All Rights Reserved.
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

package guestfs

import (
	"fmt"
	"os"
)

// The error handler installed on a fresh handle.
func defaultErrorCallback(h *Handle, data interface{}, msg string) {
	fmt.Fprintf(os.Stderr, "libguestfs: error: %s\n", msg)
}

// Format a failure, report it through the error callback if one is set, and
// return it for the public operation to hand back to its caller.
func (h *Handle) errorf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	if h.errorCb != nil {
		h.errorCb(h, h.errorCbData, err.Error())
	}
	return err
}

// Like errorf, for failures carrying an underlying OS error, which is
// appended to the message.
func (h *Handle) perrorf(osErr error, format string, args ...interface{}) error {
	return h.errorf("%s: %v", fmt.Sprintf(format, args...), osErr)
}
