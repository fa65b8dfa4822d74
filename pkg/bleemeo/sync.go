// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package bleemeo

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/bleemeo/bleemeo-agent/pkg/config"
	"github.com/bleemeo/bleemeo-agent/pkg/discovery"
	"github.com/bleemeo/bleemeo-agent/pkg/docker"
	"github.com/bleemeo/bleemeo-agent/pkg/facts"
	"github.com/bleemeo/bleemeo-agent/pkg/state"
	"github.com/bleemeo/bleemeo-agent/pkg/threshold"
	"github.com/bleemeo/bleemeo-agent/pkg/types"
	"github.com/bleemeo/bleemeo-agent/pkg/util/log"
)

const (
	authDomain = "@bleemeo.com"
	// sentinel the container engine uses for "never happened"
	zeroDate = "0001-01-01T00:00:00Z"

	fullSyncInterval = time.Hour
	// registration gives up for the pass once more than this many client
	// errors happened, the rest is retried next pass
	metricRegistrationErrorBudget = 3
)

// ContainerProvider is what the reconciler needs from the container engine
// capability. nil when the engine is absent.
type ContainerProvider interface {
	Containers() map[string]docker.Container
	LastUpdate() time.Time
	// LastRemoved is when a container was last seen disappearing, services
	// hosted in it must be purged.
	LastRemoved() time.Time
	APIVersion() string
}

// Synchronizer reconciles the local entities (metrics, services, containers,
// facts, tags) with the cloud registry. One Run is a pass of ordered steps;
// a step failure is logged and does not prevent the following steps.
type Synchronizer struct {
	cfg        *config.Config
	st         *state.Store
	reg        *Registry
	facts      *facts.Provider
	disc       discovery.Provider
	containers ContainerProvider
	thresholds *threshold.Registry

	// onMetricsDeleted receives the keys of metrics the registry deleted,
	// so the sample cache can drop them.
	onMetricsDeleted func([]types.MetricKey)

	forceFull atomic.Bool

	l                 sync.Mutex
	client            *Client
	lastFullSync      time.Time
	lastServicesSync  time.Time
	lastContainerSync time.Time
	lastFactsSync     time.Time
	lastPurgeSync     time.Time
	registrationDown  bool
}

// NewSynchronizer wires a reconciler. disc and containers may be nil, the
// corresponding steps are then skipped.
func NewSynchronizer(
	cfg *config.Config,
	st *state.Store,
	reg *Registry,
	factsProvider *facts.Provider,
	disc discovery.Provider,
	containers ContainerProvider,
	thresholds *threshold.Registry,
	onMetricsDeleted func([]types.MetricKey),
) *Synchronizer {
	s := &Synchronizer{
		cfg:              cfg,
		st:               st,
		reg:              reg,
		facts:            factsProvider,
		disc:             disc,
		containers:       containers,
		thresholds:       thresholds,
		onMetricsDeleted: onMetricsDeleted,
	}
	s.forceFull.Store(true)
	return s
}

// NotifySyncNow asks for a full pass on the next run, used when the cloud
// pushes a threshold-update notification.
func (s *Synchronizer) NotifySyncNow() {
	s.forceFull.Store(true)
}

// Run is one reconciliation pass. Designed to be scheduled every 15
// seconds. A step failure is isolated: the following steps still run, and
// every failure is reported in the combined returned error.
func (s *Synchronizer) Run(ctx context.Context) error {
	if !s.cfg.Bool("bleemeo.enabled") {
		return nil
	}

	var errs *multierror.Error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, name))
		}
	}

	step("register agent", func() error { return s.registerAgent(ctx) })
	if s.reg.AgentUUID() == "" {
		return errs.ErrorOrNil()
	}

	full := s.forceFull.Swap(false)
	if time.Since(s.lastFullSync) >= fullSyncInterval {
		full = true
	}

	purge := full || (s.disc != nil && s.disc.LastAutoremove().After(s.lastPurgeSync))
	if s.containers != nil && s.containers.LastRemoved().After(s.lastPurgeSync) {
		purge = true
	}
	if s.disc != nil && purge {
		step("purge services", func() error { return s.purgeServices(ctx) })
		s.lastPurgeSync = time.Now()
	}
	if full {
		step("fetch thresholds", func() error { return s.fetchThresholds(ctx) })
	}
	step("update tags", func() error { return s.updateTags(ctx) })
	if s.containers != nil && (full || s.containers.LastUpdate().After(s.lastContainerSync)) {
		step("register containers", func() error { return s.registerContainers(ctx) })
	}
	if s.disc != nil && (full || s.disc.LastUpdate().After(s.lastServicesSync)) {
		step("register services", func() error { return s.registerServices(ctx) })
		s.lastServicesSync = time.Now()
	}
	step("register metrics", func() error { return s.registerMetrics(ctx) })
	if s.facts.LastUpdate().After(s.lastFactsSync) {
		step("send facts", func() error { return s.sendFacts(ctx) })
	}

	if full {
		s.lastFullSync = time.Now()
	}
	return errs.ErrorOrNil()
}

// apiClient returns the client authenticated as the registered agent.
func (s *Synchronizer) apiClient() (*Client, error) {
	s.l.Lock()
	defer s.l.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	uuid := s.reg.AgentUUID()
	if uuid == "" {
		return nil, errors.New("agent is not registered yet")
	}
	client, err := NewClient(
		s.cfg.String("bleemeo.api_base"),
		uuid+authDomain,
		s.st.GetString(stateKeyPassword),
	)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

// registerAgent performs the once-only agent registration.
func (s *Synchronizer) registerAgent(ctx context.Context) error {
	if s.reg.AgentUUID() != "" {
		return nil
	}

	account := s.cfg.String("bleemeo.account_id")
	key := s.cfg.String("bleemeo.registration_key")
	if account == "" || key == "" {
		if !s.registrationDown {
			log.Info("Bleemeo account_id and registration_key are not configured, cloud features are disabled")
			s.registrationDown = true
		}
		return nil
	}

	password := s.st.GetString(stateKeyPassword)
	if password == "" {
		password = generatePassword(20)
		if err := s.st.Set(stateKeyPassword, password); err != nil {
			return err
		}
	}

	fqdn := s.facts.FQDN()
	if fqdn == "" {
		return errors.New("unable to register, the fqdn is not known yet")
	}

	client, err := NewClient(s.cfg.String("bleemeo.api_base"), account+authDomain, key)
	if err != nil {
		return err
	}

	payload := map[string]string{
		"account":          account,
		"initial_password": password,
		"display_name":     fqdn,
		"fqdn":             fqdn,
	}
	var result struct {
		ID string `json:"id"`
	}
	status, err := client.Do(ctx, http.MethodPost, "v1/agent/", nil, payload, &result)
	if err != nil {
		return err
	}
	if status != http.StatusCreated || result.ID == "" {
		return errors.Errorf("agent registration answered status %d without an id", status)
	}

	if err := s.reg.SetAgentUUID(result.ID); err != nil {
		return err
	}
	log.Infof("Agent registered with UUID %s", result.ID)
	return nil
}

func generatePassword(length int) string {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken
			panic(err)
		}
		out[i] = chars[n.Int64()]
	}
	return string(out)
}

// purgeServices removes services deleted on either side. The registry is
// authoritative: a local record is only removed once the remote confirmed
// the deletion (204/404 on DELETE, or absence from the listing).
func (s *Synchronizer) purgeServices(ctx context.Context) error {
	client, err := s.apiClient()
	if err != nil {
		return err
	}

	current := s.disc.Services()
	known := s.reg.ServicesSnapshot()

	for key, rec := range known {
		if _, stillHere := current[key]; stillHere {
			continue
		}
		if rec.UUID == "" {
			_ = s.reg.DeleteService(key)
			continue
		}
		status, err := client.Do(ctx, http.MethodDelete, "v1/service/"+rec.UUID+"/", nil, nil, nil)
		if err != nil && status != http.StatusNotFound {
			return err
		}
		if status == http.StatusNoContent || status == http.StatusNotFound {
			_ = s.reg.DeleteService(key)
		}
	}

	params := url.Values{"agent": {s.reg.AgentUUID()}}
	rows, err := client.Iter(ctx, "v1/service/", params)
	if err != nil {
		return err
	}
	remote := make(map[string]bool, len(rows))
	for _, row := range rows {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(row, &obj); err != nil {
			return errors.Wrap(err, "malformed service listing")
		}
		remote[obj.ID] = true
	}

	var deleted []discovery.NameInstance
	for key, rec := range s.reg.ServicesSnapshot() {
		if rec.UUID != "" && !remote[rec.UUID] {
			_ = s.reg.DeleteService(key)
			deleted = append(deleted, key)
		}
	}
	if len(deleted) > 0 {
		s.disc.RemoveServices(deleted)
	}
	return nil
}

// metricAPIObject is the relevant part of a metric on the wire.
type metricAPIObject struct {
	ID                    string   `json:"id"`
	Label                 string   `json:"label"`
	Item                  *string  `json:"item"`
	ThresholdLowWarning   *float64 `json:"threshold_low_warning"`
	ThresholdLowCritical  *float64 `json:"threshold_low_critical"`
	ThresholdHighWarning  *float64 `json:"threshold_high_warning"`
	ThresholdHighCritical *float64 `json:"threshold_high_critical"`
}

func (o metricAPIObject) threshold() threshold.Threshold {
	return threshold.Threshold{
		LowCritical:  o.ThresholdLowCritical,
		LowWarning:   o.ThresholdLowWarning,
		HighWarning:  o.ThresholdHighWarning,
		HighCritical: o.ThresholdHighCritical,
	}
}

func (o metricAPIObject) key() types.MetricKey {
	key := types.MetricKey{Measurement: o.Label}
	if o.Item != nil {
		key.Item = *o.Item
	}
	return key
}

// fetchThresholds downloads the metric listing, publishes the threshold
// table and drops local metrics the registry no longer knows.
func (s *Synchronizer) fetchThresholds(ctx context.Context) error {
	client, err := s.apiClient()
	if err != nil {
		return err
	}

	params := url.Values{"agent": {s.reg.AgentUUID()}}
	rows, err := client.Iter(ctx, "v1/metric/", params)
	if err != nil {
		return err
	}

	thresholds := make(map[types.MetricKey]threshold.Threshold, len(rows))
	remoteIDs := make(map[string]bool, len(rows))
	for _, row := range rows {
		var obj metricAPIObject
		if err := json.Unmarshal(row, &obj); err != nil {
			return errors.Wrap(err, "malformed metric listing")
		}
		remoteIDs[obj.ID] = true
		if t := obj.threshold(); !t.IsZero() {
			thresholds[obj.key()] = t
		}
	}

	s.thresholds.UpdateThresholds(thresholds)
	if err := s.reg.SetThresholds(thresholds); err != nil {
		return err
	}

	// The listing is authoritative: registered metrics absent from it were
	// deleted on the cloud side.
	var deleted []types.MetricKey
	for id, uuid := range s.reg.MetricsSnapshot() {
		if uuid == "" || uuid == metricDeleted {
			continue
		}
		if !remoteIDs[uuid] {
			_ = s.reg.DeleteMetric(id)
			deleted = append(deleted, types.MetricKey{Measurement: id.Label, Item: id.Item})
		}
	}
	if len(deleted) > 0 && s.onMetricsDeleted != nil {
		s.onMetricsDeleted(deleted)
	}
	return nil
}

// updateTags pushes the configured tags when they changed since last applied.
func (s *Synchronizer) updateTags(ctx context.Context) error {
	configured := s.cfg.StringList("tags")

	var applied []string
	if _, err := s.st.Get(stateKeyTagsUUID, &applied); err != nil {
		return err
	}
	if sameStringSet(configured, applied) {
		return nil
	}

	client, err := s.apiClient()
	if err != nil {
		return err
	}

	var agent struct {
		Tags []string `json:"tags"`
	}
	if _, err := client.Do(ctx, http.MethodGet, "v1/agent/"+s.reg.AgentUUID()+"/", nil, nil, &agent); err != nil {
		return err
	}

	// tags removed from the configuration are removed from the API set,
	// tags added elsewhere (web UI) are preserved
	removed := make(map[string]bool)
	for _, tag := range applied {
		removed[tag] = true
	}
	for _, tag := range configured {
		delete(removed, tag)
	}

	merged := make([]string, 0, len(agent.Tags)+len(configured))
	seen := make(map[string]bool)
	for _, tag := range agent.Tags {
		if !removed[tag] && !seen[tag] {
			merged = append(merged, tag)
			seen[tag] = true
		}
	}
	for _, tag := range configured {
		if !seen[tag] {
			merged = append(merged, tag)
			seen[tag] = true
		}
	}

	payload := map[string]interface{}{"tags": merged}
	if _, err := client.Do(ctx, http.MethodPatch, "v1/agent/"+s.reg.AgentUUID()+"/", nil, payload, nil); err != nil {
		return err
	}
	return s.st.Set(stateKeyTagsUUID, configured)
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}

// registerContainers pushes containers whose inspect changed and deletes the
// ones that are gone.
func (s *Synchronizer) registerContainers(ctx context.Context) error {
	client, err := s.apiClient()
	if err != nil {
		return err
	}

	lastUpdate := s.containers.LastUpdate()
	current := s.containers.Containers()
	known := s.reg.ContainersSnapshot()

	for name, c := range current {
		hash, err := inspectHash(c.Inspect)
		if err != nil {
			log.Debugf("Unable to hash inspect of container %s: %v", name, err)
			continue
		}
		rec, registered := known[name]
		if registered && rec.UUID != "" && rec.InspectHash == hash {
			continue
		}

		payload := map[string]interface{}{
			"host":               s.reg.AgentUUID(),
			"name":               name,
			"command":            c.Command,
			"docker_status":      c.Status,
			"docker_created_at":  nullableDate(c.CreatedAt),
			"docker_started_at":  nullableDate(c.StartedAt),
			"docker_finished_at": nullableDate(c.FinishedAt),
			"docker_id":          c.ID,
			"docker_image_id":    c.ImageID,
			"docker_image_name":  c.ImageName,
			"docker_inspect":     string(c.Inspect),
			"docker_api_version": s.containers.APIVersion(),
		}

		var result struct {
			ID string `json:"id"`
		}
		if registered && rec.UUID != "" {
			if _, err := client.Do(ctx, http.MethodPut, "v1/container/"+rec.UUID+"/", nil, payload, &result); err != nil {
				return err
			}
			result.ID = rec.UUID
		} else {
			if _, err := client.Do(ctx, http.MethodPost, "v1/container/", nil, payload, &result); err != nil {
				return err
			}
		}
		if err := s.reg.SetContainer(name, ContainerRecord{InspectHash: hash, UUID: result.ID}); err != nil {
			return err
		}
	}

	for name, rec := range known {
		if _, stillHere := current[name]; stillHere {
			continue
		}
		if rec.UUID != "" {
			status, err := client.Do(ctx, http.MethodDelete, "v1/container/"+rec.UUID+"/", nil, nil, nil)
			if err != nil && status != http.StatusNotFound {
				return err
			}
		}
		if err := s.reg.DeleteContainer(name); err != nil {
			return err
		}
	}

	s.lastContainerSync = lastUpdate
	return nil
}

// inspectHash is the change detector for container registration: SHA-1 over
// the canonical (sorted keys) JSON form of the inspect payload.
func inspectHash(inspect json.RawMessage) (string, error) {
	var decoded interface{}
	if err := json.Unmarshal(inspect, &decoded); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha1.Sum(canonical)), nil
}

func nullableDate(date string) interface{} {
	if date == "" || date == zeroDate {
		return nil
	}
	return date
}

// registerServices pushes discovered services whose payload changed.
func (s *Synchronizer) registerServices(ctx context.Context) error {
	client, err := s.apiClient()
	if err != nil {
		return err
	}

	known := s.reg.ServicesSnapshot()
	for key, svc := range s.disc.Services() {
		payload := servicePayload(s.reg.AgentUUID(), key, svc)
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		hash := fmt.Sprintf("%x", sha1.Sum(buf))

		rec, registered := known[key]
		if registered && rec.UUID != "" && rec.PayloadHash == hash {
			continue
		}

		var result struct {
			ID string `json:"id"`
		}
		if registered && rec.UUID != "" {
			if _, err := client.Do(ctx, http.MethodPut, "v1/service/"+rec.UUID+"/", nil, payload, &result); err != nil {
				return err
			}
			result.ID = rec.UUID
		} else {
			if _, err := client.Do(ctx, http.MethodPost, "v1/service/", nil, payload, &result); err != nil {
				return err
			}
		}
		if err := s.reg.SetService(key, ServiceRecord{UUID: result.ID, PayloadHash: hash}); err != nil {
			return err
		}
	}
	return nil
}

// servicePayload builds the canonical registration payload of a service.
func servicePayload(agentUUID string, key discovery.NameInstance, svc discovery.Service) map[string]interface{} {
	payload := map[string]interface{}{
		"agent":            agentUUID,
		"label":            key.Name,
		"listen_addresses": listenAddresses(svc),
		"exe_path":         svc.ExePath,
		"stack":            svc.Stack,
		"active":           svc.Active,
	}
	if key.Instance != "" {
		payload["instance"] = key.Instance
	}
	return payload
}

// listenAddresses joins the addresses a service listens on, "addr:port/proto"
// comma-separated, from the extra ports with the main address as fallback.
func listenAddresses(svc discovery.Service) string {
	addresses := make([]string, 0, len(svc.ExtraPorts))
	for portProto, addr := range svc.ExtraPorts {
		if addr == "0.0.0.0" {
			addr = svc.Address
			if addr == "" {
				addr = "127.0.0.1"
			}
		}
		addresses = append(addresses, addr+":"+portProto)
	}
	if len(addresses) == 0 && svc.Address != "" && svc.Port != 0 {
		proto := string(svc.Protocol)
		if proto == "" {
			proto = string(discovery.TCP)
		}
		addresses = append(addresses, fmt.Sprintf("%s:%d/%s", svc.Address, svc.Port, proto))
	}
	sort.Strings(addresses)
	return strings.Join(addresses, ",")
}

// registerMetrics registers the locally-known metrics the registry has no
// UUID for. The list is shuffled so one failing metric cannot starve the
// rest forever, and the pass stops after the client-error budget.
func (s *Synchronizer) registerMetrics(ctx context.Context) error {
	pending := s.reg.UnregisteredMetrics()
	if len(pending) == 0 {
		return nil
	}

	client, err := s.apiClient()
	if err != nil {
		return err
	}

	mathrand.Shuffle(len(pending), func(i, j int) {
		pending[i], pending[j] = pending[j], pending[i]
	})

	containers := map[string]ContainerRecord{}
	if s.containers != nil {
		containers = s.reg.ContainersSnapshot()
	}
	services := s.reg.ServicesSnapshot()

	errorCount := 0
	for _, id := range pending {
		if errorCount > metricRegistrationErrorBudget {
			log.Debugf("Too many failures while registering metrics, %d remaining for next pass", len(pending))
			break
		}

		info, ok := s.reg.MetricInfoFor(id)
		if !ok {
			// stale entry without side information, drop it
			_ = s.reg.DeleteMetric(id)
			continue
		}

		payload := map[string]interface{}{
			"agent": s.reg.AgentUUID(),
			"label": id.Label,
		}
		if id.Item != "" {
			payload["item"] = id.Item
		}

		if info.StatusOf != "" {
			parent := MetricID{Label: info.StatusOf, Service: id.Service, Item: id.Item}
			parentUUID, known := s.reg.MetricUUID(parent)
			if !known || parentUUID == "" || parentUUID == metricDeleted {
				// wait until the parent metric is registered
				continue
			}
			payload["status_of"] = parentUUID
		}

		if info.ContainerName != "" {
			rec, ok := containers[info.ContainerName]
			if !ok {
				// the container is gone, the metric will not come back
				_ = s.reg.DeleteMetric(id)
				continue
			}
			if rec.UUID == "" {
				continue
			}
			payload["container"] = rec.UUID
		}

		if id.Service != "" {
			rec, ok := services[discovery.NameInstance{Name: id.Service, Instance: info.Instance}]
			if !ok {
				_ = s.reg.DeleteMetric(id)
				continue
			}
			if rec.UUID == "" {
				continue
			}
			payload["service"] = rec.UUID
		}

		var result metricAPIObject
		_, err := client.Do(ctx, http.MethodPost, "v1/metric/", nil, payload, &result)
		switch {
		case err == nil:
			if err := s.reg.SetMetricUUID(id, result.ID); err != nil {
				return err
			}
			if t := result.threshold(); !t.IsZero() {
				merged := s.reg.Thresholds()
				merged[result.key()] = t
				s.thresholds.UpdateThresholds(merged)
				if err := s.reg.SetThresholds(merged); err != nil {
					return err
				}
			}
		case IsClientError(err):
			errorCount++
			log.Debugf("Registration of metric %s refused: %v", id.Label, err)
		default:
			// transport error or 5xx, the registry is in trouble: abort
			return err
		}
	}
	return nil
}

// sendFacts replaces the remote fact set with the current one. Stale facts
// are only deleted once every new fact was accepted.
func (s *Synchronizer) sendFacts(ctx context.Context) error {
	client, err := s.apiClient()
	if err != nil {
		return err
	}

	lastUpdate := s.facts.LastUpdate()

	params := url.Values{"agent": {s.reg.AgentUUID()}}
	rows, err := client.Iter(ctx, "v1/agentfact/", params)
	if err != nil {
		return err
	}
	var staleIDs []string
	for _, row := range rows {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(row, &obj); err != nil {
			return errors.Wrap(err, "malformed fact listing")
		}
		staleIDs = append(staleIDs, obj.ID)
	}

	for key, value := range s.facts.Facts() {
		payload := map[string]string{
			"agent": s.reg.AgentUUID(),
			"key":   key,
			"value": value,
		}
		if _, err := client.Do(ctx, http.MethodPost, "v1/agentfact/", nil, payload, nil); err != nil {
			return err
		}
	}

	for _, id := range staleIDs {
		status, err := client.Do(ctx, http.MethodDelete, "v1/agentfact/"+id+"/", nil, nil, nil)
		if err != nil {
			return err
		}
		if status != http.StatusNoContent {
			return errors.Errorf("fact deletion answered status %d", status)
		}
	}

	s.lastFactsSync = lastUpdate
	return nil
}
