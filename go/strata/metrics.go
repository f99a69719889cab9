// Copyright 2025 The StrataDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package strata

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all OpenTelemetry metrics for the driver. Instruments are
// registered against the global meter provider and are no-ops when none is
// configured.
type Metrics struct {
	meter             metric.Meter
	connectionsOpened metric.Int64Counter
	transactions      metric.Int64Counter
	queryDuration     metric.Float64Histogram
}

// metrics is the singleton instance of Metrics for the driver package.
var metrics *Metrics

func init() {
	metrics = newMetrics()
}

func newMetrics() *Metrics {
	m := &Metrics{
		meter: otel.Meter("github.com/stratadb/stratadb-go/go/strata"),
	}

	var err error

	m.connectionsOpened, err = m.meter.Int64Counter(
		"strata.client.connections.opened",
		metric.WithDescription("Server connections opened by the driver"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		m.connectionsOpened = noop.Int64Counter{}
	}

	m.transactions, err = m.meter.Int64Counter(
		"strata.client.transactions",
		metric.WithDescription("Transactions opened, by kind"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		m.transactions = noop.Int64Counter{}
	}

	m.queryDuration, err = m.meter.Float64Histogram(
		"strata.client.query.duration",
		metric.WithDescription("Duration of queries from submission to resolution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		m.queryDuration = noop.Float64Histogram{}
	}

	return m
}

func recordConnectionOpened(ctx context.Context) {
	metrics.connectionsOpened.Add(ctx, 1)
}

func recordTransaction(ctx context.Context, kind TransactionKind) {
	metrics.transactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
	))
}

func recordQuery(ctx context.Context, duration time.Duration, failed bool) {
	status := "success"
	if failed {
		status = "error"
	}
	metrics.queryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}
