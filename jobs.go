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
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// statsRefreshSchedule is how often the maintenance cron recomputes every
// schema's table statistics from pg_class.
const statsRefreshSchedule = "@every 5m"

func newCron(logger zerolog.Logger) *cron.Cron {
	return cron.New(cron.WithLogger(loggerForCron{logger}))
}

// loggerForCron adapts zerolog to cron.Logger. Info is a no-op: cron logs
// one info line per scheduled run, which is too verbose for a fixed,
// single-job schedule.
type loggerForCron struct {
	logger zerolog.Logger
}

func (l loggerForCron) Info(msg string, keysAndValues ...any) {}

func (l loggerForCron) Error(err error, msg string, keysAndValues ...any) {
	ev := l.logger.Error().Err(err)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ev = ev.Interface(fieldName(keysAndValues[i]), keysAndValues[i+1])
	}
	ev.Msg(msg)
}

func fieldName(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return "field"
}

// MaintenanceScheduler runs the fixed internal maintenance schedule: a
// periodic refresh of every known schema's table-size statistics, so that
// collStats usually finds them cached instead of scanning pg_class inline.
type MaintenanceScheduler struct {
	storage *Storage
	logger  zerolog.Logger
	c       *cron.Cron
}

func NewMaintenanceScheduler(storage *Storage, logger zerolog.Logger) *MaintenanceScheduler {
	return &MaintenanceScheduler{storage: storage, logger: logger, c: newCron(logger)}
}

func (m *MaintenanceScheduler) Start() error {
	_, err := m.c.AddFunc(statsRefreshSchedule, m.refreshAll)
	if err != nil {
		return err
	}
	m.c.Start()
	return nil
}

func (m *MaintenanceScheduler) Stop() {
	<-m.c.Stop().Done()
}

func (m *MaintenanceScheduler) refreshAll() {
	ctx := context.Background()
	schemas, err := m.storage.ListSchemas(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("maintenance: failed to list schemas")
		return
	}
	for _, schema := range schemas {
		if err := m.storage.RefreshStats(ctx, schema); err != nil {
			m.logger.Error().Err(err).Str("schema", schema).Msg("maintenance: failed to refresh stats")
		}
	}
}
