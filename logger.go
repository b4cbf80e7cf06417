/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package wideql

import (
	"log"
	"os"
)

// StdLogger is the narrow logging surface the runtime depends on. It is
// satisfied by *log.Logger and by most structured loggers' leveled
// wrappers; no third-party logging dependency is forced on callers who
// don't already use one (see DESIGN.md for why this stays stdlib-only).
type StdLogger interface {
	Print(v ...interface{})
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

type defaultLogger struct {
	l *log.Logger
}

func newDefaultLogger() *defaultLogger {
	return &defaultLogger{l: log.New(os.Stderr, "", log.LstdFlags)}
}

func (d *defaultLogger) Print(v ...interface{})                 { d.l.Print(v...) }
func (d *defaultLogger) Printf(format string, v ...interface{}) { d.l.Printf(format, v...) }
func (d *defaultLogger) Println(v ...interface{})               { d.l.Println(v...) }

// nopLogger discards everything; used when a component is constructed
// without an explicit logger outside of session/cluster wiring (e.g. in
// tests).
type nopLogger struct{}

func (nopLogger) Print(v ...interface{})                 {}
func (nopLogger) Printf(format string, v ...interface{}) {}
func (nopLogger) Println(v ...interface{})               {}
