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
	"strings"
)

// SchemaVersion is the semver version of the schema of the docbridge
// configuration file. Currently this is v1.0.0.
const SchemaVersion = "1.0.0"

// DefaultWorkerPoolSize is the number of connections served concurrently
// when Config.MaxConnections is unset.
const DefaultWorkerPoolSize = 10

//------------------------------------------------------------------------------
// core

// Config is the entirety of the configuration supplied to a docbridge
// server. It is typically deserialized from a .json or .yaml file.
type Config struct {
	// Version indicates the version of the schema according to which the
	// other fields in this structure should be interpreted. This is in
	// the semver syntax (a trailing `.0` or `.0.0` may be omitted). This
	// field is required, and validation will fail without it.
	Version string `json:"version"`

	// Listen indicates the `IP` or `IP:port` for the server to bind to and
	// listen on. If the IP is omitted, the server will bind to all
	// interfaces. If port is omitted, it defaults to 27017 (the
	// conventional document-database wire port). IP may be an IPv4 or
	// IPv6 literal. Hostnames are not allowed. When specifying an IPv6
	// literal along with a port, enclose the IPv6 literal within square
	// brackets.
	// Examples: `127.0.0.1:27017`, `[::1]:27017`, `:27017`, `0.0.0.0:27017`
	Listen string `json:"listen,omitempty"`

	// MaxConnections bounds the number of client connections served
	// concurrently. Additional connections queue for a worker. If <= 0,
	// defaults to DefaultWorkerPoolSize.
	MaxConnections int `json:"maxConnections,omitempty"`

	// SQL holds the single backing SQL connection this server translates
	// every request against.
	SQL SQLConfig `json:"sql"`

	// Debug enables verbose per-command logging.
	Debug bool `json:"debug,omitempty"`

	// Trace enables logging of raw wire messages, in addition to Debug's
	// per-command logging.
	Trace bool `json:"trace,omitempty"`
}

// Validate the entire configuration. Returns a list of errors and warnings.
func (c *Config) Validate() (r []ValidationResult) {
	return c.validate()
}

// IsValid performs validation (calls Validate() internally) and returns an
// error if the validation finds at least one error. All errors are
// formatted into a single error message, and warnings are not included.
// For better formatting use the Validate() method directly.
func (c *Config) IsValid() error {
	var a []string
	for _, r := range c.Validate() {
		if !r.Warn {
			a = append(a, r.Message)
		}
	}
	if len(a) > 0 {
		return fmt.Errorf("%d errors: %s", len(a), strings.Join(a, "; "))
	}
	return nil
}

// ValidationResult holds one entry of the results of validation. The
// Validate method of Config returns a slice of these.
type ValidationResult struct {
	// Warn is true if the message is a warning, else it is an error.
	Warn bool

	// Message is the actual textual message describing the error or
	// warning.
	Message string
}

//------------------------------------------------------------------------------
// sql

// SQLConfig defines the parameters used to connect to the backing SQL
// engine. Currently this is a PostgreSQL database, and contains the
// equivalent of a connection URI or DSN. The following environment
// variables are understood: PGHOST, PGPORT, PGDATABASE, PGUSER, PGPASSWORD,
// PGPASSFILE, PGSERVICE, PGSERVICEFILE, PGSSLMODE, PGSSLCERT, PGSSLKEY,
// PGSSLROOTCERT, PGSSLPASSWORD, PGAPPNAME, PGCONNECT_TIMEOUT and
// PGTARGETSESSIONATTRS (see https://www.postgresql.org/docs/current/libpq-envars.html
// for usage).
type SQLConfig struct {
	// Host is an IP, a hostname or a Unix socket path to the listening
	// Postgres server. Can include `:port` suffix to override the default
	// port of 5432. Can include multiple comma-separated hosts.
	Host string `json:"host,omitempty"`

	// Database is the name of the Postgres database to connect to. If
	// omitted, defaults to the name of the system user the server is
	// running as.
	Database string `json:"dbname,omitempty"`

	// User is the PostgreSQL user name to connect as. Defaults to be the
	// same as the operating system name of the user running the
	// application.
	User string `json:"user,omitempty"`

	// Password to be used if the server demands password authentication.
	// This is in plain text, and is preferable to use a Passfile instead.
	Password string `json:"password,omitempty"`

	// Passfile specifies the name of the file used to store passwords.
	// See https://www.postgresql.org/docs/current/libpq-pgpass.html.
	Passfile string `json:"passfile,omitempty"`

	// SSLMode is one of `disable`, `allow`, `prefer`, `require`,
	// `verify-ca` or `verify-full`.
	SSLMode string `json:"sslmode,omitempty"`

	// SSLCert specifies the file name of the client SSL certificate.
	SSLCert string `json:"sslcert,omitempty"`

	// SSLKey specifies the location for the secret key used for the
	// client certificate.
	SSLKey string `json:"sslkey,omitempty"`

	// SSLRootCert specifies the name of a file containing SSL certificate
	// authority (CA) certificate(s).
	SSLRootCert string `json:"sslrootcert,omitempty"`

	// Params specifies additional connection parameters, like
	// `application_name` or `search_path`.
	Params map[string]string `json:"params,omitempty"`

	// PreferSimpleProtocol disables implicit prepared statement usage.
	// Set this to true if connecting through a pooler that requires the
	// PostgreSQL simple protocol.
	PreferSimpleProtocol bool `json:"simple,omitempty"`

	// Timeout specifies a timeout for establishing the connection, in
	// seconds. Ignored if <= 0.
	Timeout *float64 `json:"timeout,omitempty"`

	// Role specifies a PostgreSQL role that will be set immediately upon
	// connection. If set, must be a valid PostgreSQL role in the
	// database.
	Role string `json:"role,omitempty"`

	// Pool configures the connection pooling parameters. If unset, the
	// pgxpool defaults apply (see ConnPool.MaxConns).
	Pool *ConnPool `json:"pool,omitempty"`
}

// ConnPool specifies the settings for pooling of connections to the
// backing SQL engine. All settings in this struct are optional.
type ConnPool struct {
	// MinConns sets the minimum number of connections in the pool. If
	// specified, must be > 0.
	MinConns *int64 `json:"minConns,omitempty"`

	// MaxConns sets the maximum number of connections to the database
	// that will be established. Defaults to max(4, number-of-CPUs). If
	// specified, must be > 0.
	MaxConns *int64 `json:"maxConns,omitempty"`

	// MaxIdleTime in seconds is the duration after which an idle
	// connection will be automatically closed. If specified, must be >
	// 0.
	MaxIdleTime *float64 `json:"maxIdleTime,omitempty"`

	// MaxConnectedTime in seconds is the duration since creation after
	// which a connection will be automatically closed. If specified,
	// must be > 0.
	MaxConnectedTime *float64 `json:"maxConnectedTime,omitempty"`

	// Lazy is accepted but not read by the storage adapter; setting it
	// changes nothing about when connections are established.
	Lazy bool `json:"lazy,omitempty"`
}
