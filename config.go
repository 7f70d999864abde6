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

import "strings"

// Parameters the launcher appends itself. Letting the user set these would
// break the appliance boot.
var reservedParams = []string{
	"-kernel",
	"-initrd",
	"-nographic",
	"-serial",
	"-vnc",
	"-full-screen",
	"-std-vga",
}

// Append a token to the qemu command line. cmdline[0] stays reserved for
// argv[0], which Launch fills in.
func (h *Handle) addCmdline(token string) error {
	if h.state != stateConfig {
		return h.errorf("command line cannot be altered after qemu subprocess launched")
	}

	if h.cmdline == nil {
		h.cmdline = make([]string, 1)
	}

	h.cmdline = append(h.cmdline, token)
	return nil
}

// Config appends a raw parameter to the qemu command line, with an optional
// value. The parameter must begin with '-', and must not be one of the
// parameters the launcher reserves for itself.
func (h *Handle) Config(param string, value *string) error {
	if !strings.HasPrefix(param, "-") {
		return h.errorf("Config: parameter must begin with '-' character")
	}

	for _, reserved := range reservedParams {
		if param == reserved {
			return h.errorf("Config: parameter '%s' isn't allowed", param)
		}
	}

	if err := h.addCmdline(param); err != nil {
		return err
	}

	if value != nil {
		if err := h.addCmdline(*value); err != nil {
			return err
		}
	}

	return nil
}

// AddDrive attaches a disk image to the appliance. The filename must not
// contain a comma, since qemu's -drive option is comma-delimited.
func (h *Handle) AddDrive(filename string) error {
	if strings.Contains(filename, ",") {
		return h.errorf("filename cannot contain ',' (comma) character")
	}

	value := "file=" + filename
	return h.Config("-drive", &value)
}

// AddCdrom attaches an ISO image to the appliance as a CD-ROM.
func (h *Handle) AddCdrom(filename string) error {
	if strings.Contains(filename, ",") {
		return h.errorf("filename cannot contain ',' (comma) character")
	}

	return h.Config("-cdrom", &filename)
}
