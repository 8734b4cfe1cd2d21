/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package docbridge

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"

	"golang.org/x/mod/semver"
)

//------------------------------------------------------------------------------

func addWarn(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{
		Warn:    true,
		Message: msg,
	})
}

func addError(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{
		Warn:    false,
		Message: msg,
	})
}

//------------------------------------------------------------------------------
// server

var rxPort = regexp.MustCompile(`:[0-9]+$`)

func (c *Config) validate() (r []ValidationResult) {
	// Version
	if !semver.IsValid("v" + c.Version) {
		r = addError(r, fmt.Sprintf("invalid schema version %q: must be semver", c.Version))
	} else if semver.Canonical("v"+c.Version) != "v1.0.0" {
		r = addError(r, fmt.Sprintf("incompatible schema version %q", c.Version))
	}
	// Listen
	if len(c.Listen) > 0 {
		l := c.Listen
		if !rxPort.MatchString(c.Listen) {
			l += ":27017"
		}
		if host, port, err := net.SplitHostPort(l); err != nil {
			r = addError(r, fmt.Sprintf("invalid listen specification %q", c.Listen))
		} else if nport, err := strconv.Atoi(port); err != nil || nport <= 0 || nport >= 65535 {
			r = addError(r, fmt.Sprintf("invalid listen specification: bad port %q", port))
		} else if host != "" && net.ParseIP(host) == nil {
			r = addError(r, fmt.Sprintf("invalid listen specification: bad IP %q", host))
		}
	}
	// MaxConnections
	if c.MaxConnections < 0 {
		r = addError(r, fmt.Sprintf("maxConnections %d must be >= 0", c.MaxConnections))
	}
	// SQL
	r = append(r, c.SQL.validate()...)
	return
}

//------------------------------------------------------------------------------
// sql

var (
	rxPqParam = regexp.MustCompile(`^[a-z]+(_[a-z]+)*$`)
	rxRole    = regexp.MustCompile(`^[A-Za-z\200-\377_][A-Za-z\200-\377_0-9\$]*$`)
)

func (s *SQLConfig) validate() (r []ValidationResult) {
	if s.Params != nil {
		for k := range s.Params {
			if !rxPqParam.MatchString(k) {
				r = addError(r, fmt.Sprintf("sql: invalid param %q", k))
			}
		}
	}
	if s.Timeout != nil && *s.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("sql: timeout %g is <=0, will be ignored", *s.Timeout))
	}
	if len(s.Role) > 0 && !rxRole.MatchString(s.Role) {
		r = addError(r, fmt.Sprintf("sql: invalid role %q", s.Role))
	}
	if len(s.SSLCert) > 0 && !fileExists(s.SSLCert) {
		r = addError(r, fmt.Sprintf("sql: sslcert file %q does not exist", s.SSLCert))
	}
	if len(s.SSLKey) > 0 && !fileExists(s.SSLKey) {
		r = addError(r, fmt.Sprintf("sql: sslkey file %q does not exist", s.SSLKey))
	}
	if len(s.SSLRootCert) > 0 && !fileExists(s.SSLRootCert) {
		r = addError(r, fmt.Sprintf("sql: sslrootcert file %q does not exist", s.SSLRootCert))
	}
	if s.Pool != nil {
		r = append(r, s.Pool.validate()...)
	}
	return
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi != nil && fi.Mode().IsRegular()
}

//------------------------------------------------------------------------------
// sql -> pool

func (p *ConnPool) validate() (r []ValidationResult) {
	if p.MinConns != nil && *p.MinConns <= 0 {
		r = addError(r, fmt.Sprintf("sql: pool: minConns %d must be >0", *p.MinConns))
	}
	if p.MaxConns != nil && *p.MaxConns <= 0 {
		r = addError(r, fmt.Sprintf("sql: pool: maxConns %d must be >0", *p.MaxConns))
	}
	if p.MaxConns != nil && p.MinConns != nil && *p.MaxConns < *p.MinConns {
		r = addError(r, fmt.Sprintf("sql: pool: maxConns %d is < minConns %d", *p.MaxConns, *p.MinConns))
	}
	if p.MaxIdleTime != nil && *p.MaxIdleTime <= 0 {
		r = addError(r, fmt.Sprintf("sql: pool: maxIdleTime %g must be > 0", *p.MaxIdleTime))
	}
	if p.MaxConnectedTime != nil && *p.MaxConnectedTime <= 0 {
		r = addError(r, fmt.Sprintf("sql: pool: maxConnectedTime %g must be > 0", *p.MaxConnectedTime))
	}
	return
}
