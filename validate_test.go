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

package docbridge_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/docbridge/docbridge"
	"github.com/stretchr/testify/require"
)

// invalidCfgs and warnCfgs hold one JSON document per line, the same way
// the teacher's validate tests streamed fixtures off disk; these are kept
// inline since the configs are small and specific to each expected result.
const invalidCfgs = `
{"version": "2.0.0", "listen": ":27017", "sql": {"host": "localhost"}}
{"version": "1.0.0", "listen": "not-an-addr", "sql": {"host": "localhost"}}
{"version": "1.0.0", "listen": ":999999", "sql": {"host": "localhost"}}
{"version": "1.0.0", "listen": ":27017", "maxConnections": -1, "sql": {"host": "localhost"}}
{"version": "1.0.0", "listen": ":27017", "sql": {"host": "localhost", "role": "bad role!"}}
{"version": "1.0.0", "listen": ":27017", "sql": {"host": "localhost", "params": {"BadKey": "x"}}}
{"version": "1.0.0", "listen": ":27017", "sql": {"host": "localhost", "pool": {"minConns": 5, "maxConns": 2}}}
`

const warnCfgs = `
{"version": "1.0.0", "listen": ":27017", "sql": {"host": "localhost", "timeout": -1}}
`

func TestValidateConfigError(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(invalidCfgs))
	for dec.More() {
		var cfg docbridge.Config
		require.NoError(t, dec.Decode(&cfg))
		err := cfg.IsValid()
		require.Errorf(t, err, "expected invalid config to fail: %+v", cfg)
	}
}

func TestValidateConfigWarn(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(warnCfgs))
	for dec.More() {
		var cfg docbridge.Config
		require.NoError(t, dec.Decode(&cfg))
		count := 0
		for _, vr := range cfg.Validate() {
			require.True(t, vr.Warn, vr.Message)
			require.NotEmpty(t, vr.Message)
			count++
		}
		require.Greater(t, count, 0, "at least 1 warning was expected")
	}
}

func TestValidateConfigOK(t *testing.T) {
	cfg := docbridge.Config{
		Version: "1.0.0",
		Listen:  "127.0.0.1:27017",
		SQL:     docbridge.SQLConfig{Host: "localhost", Database: "app"},
	}
	require.NoError(t, cfg.IsValid())
	require.Empty(t, cfg.Validate())
}
