// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package bleemeo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleemeo/bleemeo-agent/pkg/config"
	"github.com/bleemeo/bleemeo-agent/pkg/discovery"
	"github.com/bleemeo/bleemeo-agent/pkg/docker"
	"github.com/bleemeo/bleemeo-agent/pkg/facts"
	"github.com/bleemeo/bleemeo-agent/pkg/state"
	"github.com/bleemeo/bleemeo-agent/pkg/store"
	"github.com/bleemeo/bleemeo-agent/pkg/threshold"
	"github.com/bleemeo/bleemeo-agent/pkg/types"
)

type fakeDiscovery struct {
	services       discovery.Services
	lastUpdate     time.Time
	lastAutoremove time.Time
	removed        []discovery.NameInstance
}

func (f *fakeDiscovery) Services() discovery.Services { return f.services }
func (f *fakeDiscovery) LastUpdate() time.Time        { return f.lastUpdate }
func (f *fakeDiscovery) LastAutoremove() time.Time    { return f.lastAutoremove }
func (f *fakeDiscovery) Trigger()                     {}

func (f *fakeDiscovery) RemoveServices(keys []discovery.NameInstance) {
	f.removed = append(f.removed, keys...)
}

type fakeContainers struct {
	containers  map[string]docker.Container
	lastUpdate  time.Time
	lastRemoved time.Time
}

func (f *fakeContainers) Containers() map[string]docker.Container { return f.containers }
func (f *fakeContainers) LastUpdate() time.Time                   { return f.lastUpdate }
func (f *fakeContainers) LastRemoved() time.Time                  { return f.lastRemoved }
func (f *fakeContainers) APIVersion() string                      { return "1.44" }

type syncFixture struct {
	sync       *Synchronizer
	reg        *Registry
	st         *state.Store
	cfg        *config.Config
	disc       *fakeDiscovery
	facts      *facts.Provider
	thresholds *threshold.Registry
	deleted    []types.MetricKey
}

func newSyncFixture(t *testing.T, ts *httptest.Server, registered bool) *syncFixture {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Set("bleemeo.api_base", ts.URL)
	cfg.Set("bleemeo.account_id", "acc-1")
	cfg.Set("bleemeo.registration_key", "reg-key")

	st := newTestState(t)
	if registered {
		require.NoError(t, st.Set(stateKeyAgentUUID, "agent-1"))
		require.NoError(t, st.Set(stateKeyPassword, "secret"))
	}

	reg, err := NewRegistry(st)
	require.NoError(t, err)

	factsProvider := facts.NewProvider()
	factsProvider.SetFact("fqdn", "host.example.com")

	disc := &fakeDiscovery{services: discovery.Services{}, lastUpdate: time.Now()}
	thresholds := threshold.New(store.New(), nil)

	f := &syncFixture{reg: reg, st: st, cfg: cfg, disc: disc, facts: factsProvider, thresholds: thresholds}
	f.sync = NewSynchronizer(cfg, st, reg, factsProvider, disc, nil, thresholds, func(keys []types.MetricKey) {
		f.deleted = append(f.deleted, keys...)
	})
	return f
}

func TestRegisterAgent(t *testing.T) {
	var gotAuth, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/agent/", r.URL.Path)
		user, pass, _ := r.BasicAuth()
		gotAuth = user + ":" + pass

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotBody = body["account"] + "/" + body["fqdn"]
		assert.NotEmpty(t, body["initial_password"])

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "agent-42"}`)
	}))
	defer ts.Close()

	f := newSyncFixture(t, ts, false)
	require.NoError(t, f.sync.registerAgent(context.Background()))

	assert.Equal(t, "acc-1@bleemeo.com:reg-key", gotAuth)
	assert.Equal(t, "acc-1/host.example.com", gotBody)
	assert.Equal(t, "agent-42", f.reg.AgentUUID())
	assert.NotEmpty(t, f.st.GetString(stateKeyPassword), "the generated password is persisted")

	// a second call is a no-op
	ts.Close()
	require.NoError(t, f.sync.registerAgent(context.Background()))
}

func TestServiceRegistrationIdempotence(t *testing.T) {
	var posts, puts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			posts++
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id": "svc-%d"}`, posts)
		case http.MethodPut:
			puts++
			fmt.Fprint(w, `{}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	f := newSyncFixture(t, ts, true)
	for i := 0; i < 5; i++ {
		f.disc.services[discovery.NameInstance{Name: fmt.Sprintf("svc%d", i)}] = discovery.Service{
			Active: true, Address: "127.0.0.1", Port: 1000 + i, Protocol: discovery.TCP,
		}
	}

	ctx := context.Background()
	require.NoError(t, f.sync.registerServices(ctx))
	assert.Equal(t, 5, posts)
	assert.Equal(t, 0, puts)

	// same local state, same remote state: zero mutating calls
	posts, puts = 0, 0
	require.NoError(t, f.sync.registerServices(ctx))
	assert.Equal(t, 0, posts)
	assert.Equal(t, 0, puts)

	// one changed payload: exactly one PUT
	svc := f.disc.services[discovery.NameInstance{Name: "svc3"}]
	svc.Active = false
	f.disc.services[discovery.NameInstance{Name: "svc3"}] = svc
	require.NoError(t, f.sync.registerServices(ctx))
	assert.Equal(t, 0, posts)
	assert.Equal(t, 1, puts)
}

func TestMetricRegistrationErrorBudget(t *testing.T) {
	var attempts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"label": ["invalid"]}`)
	}))
	defer ts.Close()

	f := newSyncFixture(t, ts, true)
	for i := 0; i < 10; i++ {
		f.reg.EnsureMetric(MetricID{Label: fmt.Sprintf("metric%d", i)}, MetricInfo{})
	}

	require.NoError(t, f.sync.registerMetrics(context.Background()))
	// the budget allows one failure more than its value before stopping
	assert.Equal(t, metricRegistrationErrorBudget+1, attempts)
	assert.NotEmpty(t, f.reg.UnregisteredMetrics(), "failed metrics stay pending for the next pass")
}

func TestMetricRegistrationAbortsOnServerError(t *testing.T) {
	var attempts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	f := newSyncFixture(t, ts, true)
	for i := 0; i < 5; i++ {
		f.reg.EnsureMetric(MetricID{Label: fmt.Sprintf("metric%d", i)}, MetricInfo{})
	}

	assert.Error(t, f.sync.registerMetrics(context.Background()))
	assert.Equal(t, 1, attempts, "a 5xx aborts the pass immediately")
}

func TestMetricRegistrationResolution(t *testing.T) {
	var registered []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		registered = append(registered, body["label"].(string))
		if body["label"] == "mysql_rx" {
			assert.Equal(t, "uuid-service", body["service"])
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id": "uuid-%s"}`, body["label"])
	}))
	defer ts.Close()

	f := newSyncFixture(t, ts, true)

	// registrable: service resolved
	require.NoError(t, f.reg.SetService(
		discovery.NameInstance{Name: "mysql", Instance: "db1"},
		ServiceRecord{UUID: "uuid-service", PayloadHash: "x"},
	))
	f.reg.EnsureMetric(MetricID{Label: "mysql_rx", Service: "mysql", Item: "db1"}, MetricInfo{Instance: "db1"})

	// blocked: its parent is not registered yet
	f.reg.EnsureMetric(MetricID{Label: "cpu_used"}, MetricInfo{})
	f.reg.EnsureMetric(MetricID{Label: "cpu_used_status"}, MetricInfo{StatusOf: "cpu_used"})

	// purged: its service is unknown
	f.reg.EnsureMetric(MetricID{Label: "ghost_metric", Service: "ghost"}, MetricInfo{})

	require.NoError(t, f.sync.registerMetrics(context.Background()))

	assert.Contains(t, registered, "mysql_rx")
	assert.Contains(t, registered, "cpu_used")
	assert.NotContains(t, registered, "ghost_metric")

	_, known := f.reg.MetricUUID(MetricID{Label: "ghost_metric", Service: "ghost"})
	assert.False(t, known, "a metric whose service is gone is purged")

	uuid, known := f.reg.MetricUUID(MetricID{Label: "mysql_rx", Service: "mysql", Item: "db1"})
	require.True(t, known)
	assert.Equal(t, "uuid-mysql_rx", uuid)

	// once the parent is registered the child goes through
	require.NoError(t, f.sync.registerMetrics(context.Background()))
	uuid, known = f.reg.MetricUUID(MetricID{Label: "cpu_used_status"})
	require.True(t, known)
	assert.Equal(t, "uuid-cpu_used_status", uuid)
}

func TestFetchThresholds(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/metric/", r.URL.Path)
		assert.Equal(t, "agent-1", r.URL.Query().Get("agent"))
		fmt.Fprint(w, `{"count": 2, "next": null, "results": [
			{"id": "m1", "label": "cpu_used", "item": null,
			 "threshold_high_warning": 80, "threshold_high_critical": 90},
			{"id": "m2", "label": "disk_used_perc", "item": "/",
			 "threshold_low_warning": null, "threshold_high_warning": 75}
		]}`)
	}))
	defer ts.Close()

	f := newSyncFixture(t, ts, true)

	// m-gone is registered locally but absent from the remote listing
	f.reg.EnsureMetric(MetricID{Label: "old_metric"}, MetricInfo{})
	require.NoError(t, f.reg.SetMetricUUID(MetricID{Label: "old_metric"}, "m-gone"))
	f.reg.EnsureMetric(MetricID{Label: "cpu_used"}, MetricInfo{})
	require.NoError(t, f.reg.SetMetricUUID(MetricID{Label: "cpu_used"}, "m1"))

	require.NoError(t, f.sync.fetchThresholds(context.Background()))

	th, ok := f.thresholds.GetThreshold("cpu_used", "")
	require.True(t, ok)
	assert.Equal(t, 80.0, *th.HighWarning)
	assert.Equal(t, 90.0, *th.HighCritical)

	th, ok = f.thresholds.GetThreshold("disk_used_perc", "/")
	require.True(t, ok)
	assert.Nil(t, th.LowWarning)
	assert.Equal(t, 75.0, *th.HighWarning)

	_, known := f.reg.MetricUUID(MetricID{Label: "old_metric"})
	assert.False(t, known, "remotely deleted metrics are purged")
	assert.Contains(t, f.deleted, types.MetricKey{Measurement: "old_metric"})

	// unregistered metrics are not purged by the listing
	_, known = f.reg.MetricUUID(MetricID{Label: "agent_status"})
	assert.True(t, known)
}

func TestPurgeServices(t *testing.T) {
	var deletes []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			deletes = append(deletes, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			fmt.Fprint(w, `{"count": 1, "next": null, "results": [{"id": "svc-kept"}]}`)
		}
	}))
	defer ts.Close()

	f := newSyncFixture(t, ts, true)

	kept := discovery.NameInstance{Name: "apache"}
	gone := discovery.NameInstance{Name: "mysql"}
	remotelyDeleted := discovery.NameInstance{Name: "redis"}

	f.disc.services[kept] = discovery.Service{Active: true}
	f.disc.services[remotelyDeleted] = discovery.Service{Active: true}
	require.NoError(t, f.reg.SetService(kept, ServiceRecord{UUID: "svc-kept"}))
	require.NoError(t, f.reg.SetService(gone, ServiceRecord{UUID: "svc-gone"}))
	require.NoError(t, f.reg.SetService(remotelyDeleted, ServiceRecord{UUID: "svc-redis"}))

	require.NoError(t, f.sync.purgeServices(context.Background()))

	assert.Contains(t, deletes, "/v1/service/svc-gone/")

	services := f.reg.ServicesSnapshot()
	assert.Contains(t, services, kept)
	assert.NotContains(t, services, gone)
	// redis was deleted on the cloud side: removed locally and reported
	assert.NotContains(t, services, remotelyDeleted)
	assert.Contains(t, f.disc.removed, remotelyDeleted)
}

func TestPagination(t *testing.T) {
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"count": 3, "next": null, "results": [{"id": "c"}]}`)
			return
		}
		fmt.Fprintf(w, `{"count": 3, "next": "%s/v1/metric/?page=2", "results": [{"id": "a"}, {"id": "b"}]}`, ts.URL)
	}))
	defer ts.Close()

	client, err := NewClient(ts.URL, "user", "pass")
	require.NoError(t, err)

	rows, err := client.Iter(context.Background(), "v1/metric/", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

// newCatchAllServer answers every reconciliation endpoint with a minimal
// valid response, counting fact POSTs and service listings when asked.
func newCatchAllServer(factPosts, serviceGets *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/service/":
			if serviceGets != nil {
				*serviceGets++
			}
			fmt.Fprint(w, `{"count": 0, "next": null, "results": []}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/metric/":
			fmt.Fprint(w, `{"count": 1, "next": null, "results": [{"id": "uuid-metric", "label": "agent_status", "item": null}]}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/agentfact/":
			fmt.Fprint(w, `{"count": 0, "next": null, "results": []}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/agentfact/":
			if factPosts != nil {
				*factPosts++
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": "fact-1"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/metric/":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": "uuid-metric"}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	}))
}

func TestFactsNotResentOnFullPass(t *testing.T) {
	var factPosts int
	ts := newCatchAllServer(&factPosts, nil)
	defer ts.Close()

	f := newSyncFixture(t, ts, true)
	ctx := context.Background()

	require.NoError(t, f.sync.Run(ctx))
	require.Equal(t, 1, factPosts)

	f.sync.NotifySyncNow()
	require.NoError(t, f.sync.Run(ctx))
	assert.Equal(t, 1, factPosts, "unchanged facts are not re-sent on a full pass")

	f.facts.SetFact("city", "Bordeaux")
	require.NoError(t, f.sync.Run(ctx))
	assert.Equal(t, 3, factPosts, "a fact change re-sends the whole set")
}

func TestPurgeRunsAfterContainerRemoval(t *testing.T) {
	var serviceGets int
	ts := newCatchAllServer(nil, &serviceGets)
	defer ts.Close()

	f := newSyncFixture(t, ts, true)
	fc := &fakeContainers{}
	f.sync.containers = fc
	ctx := context.Background()

	require.NoError(t, f.sync.Run(ctx))
	require.Equal(t, 1, serviceGets)

	require.NoError(t, f.sync.Run(ctx))
	assert.Equal(t, 1, serviceGets, "no purge without a removal")

	fc.lastRemoved = time.Now()
	require.NoError(t, f.sync.Run(ctx))
	assert.Equal(t, 2, serviceGets, "a container removal triggers the purge")
}

func TestSendFacts(t *testing.T) {
	var posted []string
	var deleted []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `{"count": 1, "next": null, "results": [{"id": "fact-old"}]}`)
		case http.MethodPost:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			posted = append(posted, body["key"])
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": "fact-new"}`)
		case http.MethodDelete:
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer ts.Close()

	f := newSyncFixture(t, ts, true)
	require.NoError(t, f.sync.sendFacts(context.Background()))

	assert.Contains(t, posted, "fqdn")
	// the previous facts are deleted only after every POST succeeded
	assert.Contains(t, deleted, "/v1/agentfact/fact-old/")
}
