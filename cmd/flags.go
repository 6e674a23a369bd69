// Copyright 2024 the Failover Watchdog Authors. All Rights Reserved.
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

// Package cmd holds helpers shared by the watchdog binaries.
package cmd

import (
	"flag"
	"os"

	"github.com/mattn/go-shellwords"
)

// parseFlags parses a set of flags from the given contents. Re-calls
// flag.Parse() after parsing so that flags provided on the command line
// take precedence over flags provided in the contents.
func parseFlags(contents string) error {
	p := shellwords.NewParser()
	p.ParseEnv = true
	args, err := p.Parse(contents)
	if err != nil {
		return err
	}

	if err := flag.CommandLine.Parse(args); err != nil {
		return err
	}

	// Call flag.Parse() again so that command line flags
	// can override flags provided in the parsed file.
	flag.Parse()
	return nil
}

// ParseFlagFile parses a set of flags from a file at the provided path.
func ParseFlagFile(path string) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return parseFlags(string(file))
}
