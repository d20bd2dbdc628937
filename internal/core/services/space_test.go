package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"relayspaces/internal/core/domain"
	"relayspaces/internal/core/services"
	"relayspaces/internal/infrastructure/relay"
	"relayspaces/internal/infrastructure/signal"
	"relayspaces/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const settle = 5 * time.Second

type participant struct {
	id      domain.NodeID
	manager *services.SpaceManager
	metrics *services.MetricsService
	media   *testutils.FakeMedia
	channel *signal.Channel
}

type overlay struct {
	t       *testing.T
	relay   *relay.Memory
	network *testutils.MediaNetwork
}

func newOverlay(t *testing.T) *overlay {
	r := relay.NewMemory()
	t.Cleanup(func() { r.Close() })
	return &overlay{t: t, relay: r, network: testutils.NewMediaNetwork()}
}

func testSpaceConfig() services.SpaceServiceConfig {
	cfg := services.DefaultSpaceServiceConfig()
	cfg.Space.ReservationTimeout = time.Second
	cfg.Space.NegotiationTimeout = 2 * time.Second
	return cfg
}

func (o *overlay) join(name string, uploadKbps float64, outputs int) *participant {
	t := o.t
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar().Named(name)
	metrics := services.NewMetricsService()

	profile, err := signal.NewProfile(name, "", domain.NetworkMetrics{
		UploadSpeedKbps:   uploadKbps,
		DownloadSpeedKbps: 1000,
		MaxAudioOutputs:   outputs,
	})
	require.NoError(t, err)
	ch := signal.NewChannel(o.relay, signal.DefaultChannelConfig(), metrics, logger)
	require.NoError(t, ch.Open(profile))

	media := o.network.Transport(profile.PublicKey)
	m := services.NewSpaceManager(profile, testSpaceConfig(), ch, media, metrics, logger)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), settle)
		defer cancel()
		m.Shutdown(ctx)
		ch.Close()
	})
	return &participant{id: profile.PublicKey, manager: m, metrics: metrics, media: media, channel: ch}
}

// member is a bare signaling identity whose actions a test writes by hand.
type member struct {
	t       *testing.T
	id      domain.NodeID
	channel *signal.Channel
	ref     domain.SpaceRef
	metrics domain.NetworkMetrics
	seen    chan domain.Action
}

func (o *overlay) member(name string, ref domain.SpaceRef, uploadKbps float64, outputs int) *member {
	t := o.t
	t.Helper()
	metrics := domain.NetworkMetrics{
		UploadSpeedKbps:   uploadKbps,
		DownloadSpeedKbps: 1000,
		MaxAudioOutputs:   outputs,
	}
	profile, err := signal.NewProfile(name, "", metrics)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t).Sugar().Named(name)
	ch := signal.NewChannel(o.relay, signal.DefaultChannelConfig(), services.NewMetricsService(), logger)
	require.NoError(t, ch.Open(profile))

	m := &member{t: t, id: profile.PublicKey, channel: ch, ref: ref, metrics: metrics, seen: make(chan domain.Action, 64)}
	sub, err := ch.SubscribeSpace(context.Background(), ref, func(a domain.Action) {
		select {
		case m.seen <- a:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sub.Close()
		ch.Close()
	})
	m.publish(&domain.Join{Profile: profile.Public()})
	return m
}

func (m *member) publish(a domain.Action) {
	m.t.Helper()
	a.Meta().Space = m.ref
	require.NoError(m.t, m.channel.Publish(context.Background(), a))
}

func (m *member) key(producer, consumer domain.NodeID) domain.EdgeKey {
	return domain.EdgeKey{Space: m.ref.ID, Root: m.ref.Root, Producer: producer, Consumer: consumer}
}

// reserve asks producer to take the member as a child.
func (m *member) reserve(producer domain.NodeID) domain.EdgeKey {
	key := m.key(producer, m.id)
	m.publish(&domain.Reserve{
		Envelope: domain.Envelope{Target: producer},
		Key:      key,
		Role:     domain.RoleConsumer,
		Metrics:  m.metrics,
	})
	return key
}

func (m *member) drop(target domain.NodeID, key domain.EdgeKey) {
	m.publish(&domain.Drop{Envelope: domain.Envelope{Target: target}, Key: key})
}

// await returns the first delivered action match accepts.
func (m *member) await(match func(domain.Action) bool) domain.Action {
	m.t.Helper()
	timeout := time.After(settle)
	for {
		select {
		case a := <-m.seen:
			if match(a) {
				return a
			}
		case <-timeout:
			require.FailNow(m.t, "expected action never arrived")
			return nil
		}
	}
}

func hasEdge(st *domain.SpaceStatus, a, b domain.NodeID) bool {
	for _, e := range st.Edges {
		if e.Connects(a, b) {
			return true
		}
	}
	return false
}

func status(t *testing.T, p *participant, id domain.SpaceID) *domain.SpaceStatus {
	t.Helper()
	st, err := p.manager.GetSpace(context.Background(), id)
	if err != nil {
		return nil
	}
	return st
}

// connectedTo waits until p holds a connected peer link to remote.
func connectedTo(t *testing.T, p *participant, id domain.SpaceID, remote domain.NodeID) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := status(t, p, id)
		return st != nil && st.Peers[remote] == domain.PeerConnected
	}, settle, 20*time.Millisecond, "%s never connected to %s", p.id.Short(), remote.Short())
}

func attached(t *testing.T, p *participant, id domain.SpaceID) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := status(t, p, id)
		return st != nil && st.JoinState == domain.JoinAttached && len(connectedPeers(st)) > 0
	}, settle, 20*time.Millisecond, "%s never attached", p.id.Short())
}

func connectedPeers(st *domain.SpaceStatus) []domain.NodeID {
	var out []domain.NodeID
	for id, s := range st.Peers {
		if s == domain.PeerConnected {
			out = append(out, id)
		}
	}
	return out
}

func producerOf(st *domain.SpaceStatus, self domain.NodeID) domain.NodeID {
	for _, e := range st.Edges {
		if e.Sends(e.Other(self), self) && e.Involves(self) {
			return e.Other(self)
		}
	}
	return ""
}

// hostSpace creates a space and waits until its announcement is stored.
func (o *overlay) hostSpace(host *participant) domain.SpaceID {
	t := o.t
	t.Helper()
	st, err := host.manager.CreateSpace(context.Background(), "friday chat")
	require.NoError(t, err)
	assert.Equal(t, domain.JoinRoot, st.JoinState)
	assert.Equal(t, host.id, st.Root)
	require.Eventually(t, func() bool { return o.relay.Len() > 0 }, settle, 10*time.Millisecond)
	return st.ID
}

func TestSpace_JoinAttachesToHost(t *testing.T) {
	o := newOverlay(t)
	host := o.join("host", 1000, 2)
	guest := o.join("guest", 640, 2)
	id := o.hostSpace(host)

	spaces, err := guest.manager.ListActiveSpaces(context.Background())
	require.NoError(t, err)
	require.Len(t, spaces, 1)
	assert.Equal(t, id, spaces[0].ID)

	_, err = guest.manager.JoinSpace(context.Background(), id)
	require.NoError(t, err)
	attached(t, guest, id)
	connectedTo(t, host, id, guest.id)

	st := status(t, guest, id)
	assert.Equal(t, host.id, producerOf(st, guest.id))
	assert.Equal(t, 1, st.Depth)

	hostView := status(t, host, id)
	require.Len(t, hostView.Edges, 1)
	assert.Equal(t, domain.StateConfirmed, hostView.Edges[0].State)

	session, ok := o.network.Session(guest.id, host.id)
	require.True(t, ok)
	assert.True(t, session.Options().Ingest)
	assert.False(t, session.Options().Capture)
	hostSession, ok := o.network.Session(host.id, guest.id)
	require.True(t, ok)
	assert.True(t, hostSession.Options().Capture)

	m := host.metrics.GetSpaceMetrics(id)
	assert.Equal(t, 1, m.Admissions)
	assert.Equal(t, 2, m.Nodes)

	_, err = guest.manager.JoinSpace(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrSpaceExists)
}

func TestSpace_JoinUnknownSpace(t *testing.T) {
	o := newOverlay(t)
	guest := o.join("guest", 640, 2)

	_, err := guest.manager.JoinSpace(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrSpaceNotFound)
}

// A full host pushes a third listener one level down, to the listener with
// the best upload, which then relays the host's audio.
func TestSpace_FullHostGrowsTree(t *testing.T) {
	o := newOverlay(t)
	ctx := context.Background()
	host := o.join("host", 1000, 2)
	slow := o.join("slow", 200, 2)
	fast := o.join("fast", 800, 2)
	third := o.join("third", 600, 2)
	id := o.hostSpace(host)

	for _, p := range []*participant{slow, fast} {
		_, err := p.manager.JoinSpace(ctx, id)
		require.NoError(t, err)
		attached(t, p, id)
	}

	_, err := third.manager.JoinSpace(ctx, id)
	require.NoError(t, err)
	attached(t, third, id)

	st := status(t, third, id)
	assert.Equal(t, fast.id, producerOf(st, third.id))
	assert.Equal(t, 2, st.Depth)

	require.Eventually(t, func() bool {
		s, ok := o.network.Session(fast.id, third.id)
		if !ok {
			return false
		}
		for _, tr := range s.Forwarded() {
			if tr == testutils.TrackOf(host.id) {
				return true
			}
		}
		return false
	}, settle, 20*time.Millisecond, "host audio is not relayed to the third listener")

	up, ok := o.network.Session(fast.id, host.id)
	require.True(t, ok)
	assert.Empty(t, up.Forwarded(), "relay tracks never go back up to a producer")
	leaf, ok := o.network.Session(third.id, fast.id)
	require.True(t, ok)
	assert.Empty(t, leaf.Forwarded())

	require.Eventually(t, func() bool {
		hostView := status(t, host, id)
		return hostView != nil && len(hostView.Edges) == 3 && hostView.Depth == 2
	}, settle, 20*time.Millisecond)
}

func TestSpace_LeaveRemovesMember(t *testing.T) {
	o := newOverlay(t)
	ctx := context.Background()
	host := o.join("host", 1000, 2)
	guest := o.join("guest", 640, 2)
	id := o.hostSpace(host)

	_, err := guest.manager.JoinSpace(ctx, id)
	require.NoError(t, err)
	attached(t, guest, id)

	require.NoError(t, guest.manager.LeaveSpace(ctx, id))
	require.Eventually(t, func() bool {
		_, err := guest.manager.GetSpace(ctx, id)
		return err != nil
	}, settle, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		st := status(t, host, id)
		return st != nil && len(st.Nodes) == 1 && len(st.Edges) == 0 && len(st.Peers) == 0
	}, settle, 20*time.Millisecond)
}

func TestSpace_CloseEndsSpaceForEveryone(t *testing.T) {
	o := newOverlay(t)
	ctx := context.Background()
	host := o.join("host", 1000, 2)
	guest := o.join("guest", 640, 2)
	id := o.hostSpace(host)

	_, err := guest.manager.JoinSpace(ctx, id)
	require.NoError(t, err)
	attached(t, guest, id)

	assert.ErrorIs(t, guest.manager.CloseSpace(ctx, id), domain.ErrNotAuthorized)
	require.NoError(t, host.manager.CloseSpace(ctx, id))

	require.Eventually(t, func() bool {
		_, err := guest.manager.GetSpace(ctx, id)
		return err != nil
	}, settle, 20*time.Millisecond)

	spaces, err := guest.manager.ListActiveSpaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, spaces)
}

// A failed media link is dropped on both ends exactly once and the listener
// attaches again.
func TestSpace_TransportFailureReattaches(t *testing.T) {
	o := newOverlay(t)
	ctx := context.Background()
	host := o.join("host", 1000, 2)
	guest := o.join("guest", 640, 2)
	id := o.hostSpace(host)

	_, err := guest.manager.JoinSpace(ctx, id)
	require.NoError(t, err)
	attached(t, guest, id)
	connectedTo(t, host, id, guest.id)

	session, ok := o.network.Session(guest.id, host.id)
	require.True(t, ok)
	session.Fail()

	require.Eventually(t, func() bool {
		s, ok := o.network.Session(guest.id, host.id)
		return ok && s != session && s.State() == domain.TransportConnected
	}, settle, 20*time.Millisecond)
	attached(t, guest, id)
	connectedTo(t, host, id, guest.id)

	hostView := status(t, host, id)
	assert.Len(t, hostView.Edges, 1)
	assert.Equal(t, 2, guest.media.Opened())
}

func TestSpace_Moderation(t *testing.T) {
	o := newOverlay(t)
	ctx := context.Background()
	host := o.join("host", 1000, 4)
	guest := o.join("guest", 640, 2)
	other := o.join("other", 640, 2)
	id := o.hostSpace(host)

	for _, p := range []*participant{guest, other} {
		_, err := p.manager.JoinSpace(ctx, id)
		require.NoError(t, err)
		attached(t, p, id)
	}

	assert.ErrorIs(t, guest.manager.Moderate(ctx, id, other.id, domain.ActionRemovePeer), domain.ErrNotAuthorized)
	assert.ErrorIs(t, host.manager.Moderate(ctx, id, "stranger", domain.ActionPromoteSpeaker), domain.ErrNodeNotFound)
	assert.ErrorIs(t, host.manager.Moderate(ctx, id, guest.id, domain.ActionJoin), domain.ErrInvalidEvent)

	require.NoError(t, guest.manager.RequestSpeech(ctx, id))
	require.Eventually(t, func() bool {
		st := status(t, host, id)
		return st != nil && len(st.SpeechRequests) == 1 && st.SpeechRequests[0] == guest.id
	}, settle, 20*time.Millisecond)

	require.NoError(t, host.manager.Moderate(ctx, id, guest.id, domain.ActionPromoteSpeaker))
	require.Eventually(t, func() bool {
		st := status(t, guest, id)
		if st == nil {
			return false
		}
		for _, n := range st.Nodes {
			if n.ID == guest.id {
				return n.IsSpeaker
			}
		}
		return false
	}, settle, 20*time.Millisecond)

	require.NoError(t, host.manager.Moderate(ctx, id, other.id, domain.ActionRemovePeer))
	require.Eventually(t, func() bool {
		_, err := other.manager.GetSpace(ctx, id)
		return err != nil
	}, settle, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		st := status(t, host, id)
		return st != nil && len(st.Nodes) == 2
	}, settle, 20*time.Millisecond)
}

func TestSpace_ToggleMute(t *testing.T) {
	o := newOverlay(t)
	ctx := context.Background()
	host := o.join("host", 1000, 2)
	guest := o.join("guest", 640, 2)
	id := o.hostSpace(host)

	_, err := guest.manager.JoinSpace(ctx, id)
	require.NoError(t, err)
	connectedTo(t, host, id, guest.id)

	muted, err := host.manager.ToggleMute(ctx, id)
	require.NoError(t, err)
	assert.True(t, muted)

	session, ok := o.network.Session(host.id, guest.id)
	require.True(t, ok)
	assert.True(t, session.Muted())
	assert.True(t, status(t, host, id).Muted)

	muted, err = host.manager.ToggleMute(ctx, id)
	require.NoError(t, err)
	assert.False(t, muted)
	assert.False(t, session.Muted())
}

func TestSpaceManager_Shutdown(t *testing.T) {
	o := newOverlay(t)
	ctx := context.Background()
	host := o.join("host", 1000, 2)
	guest := o.join("guest", 640, 2)
	id := o.hostSpace(host)

	_, err := guest.manager.JoinSpace(ctx, id)
	require.NoError(t, err)
	attached(t, guest, id)

	require.NoError(t, host.manager.Shutdown(ctx))
	require.Eventually(t, func() bool {
		_, err := host.manager.GetSpace(ctx, id)
		return err != nil
	}, settle, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := guest.manager.GetSpace(ctx, id)
		return err != nil
	}, settle, 20*time.Millisecond)
}

// growTree hosts a space with a fast and a slow listener directly below a
// host that has room for two.
func growTree(t *testing.T, o *overlay) (host, fast, slow *participant, id domain.SpaceID) {
	t.Helper()
	host = o.join("host", 1000, 2)
	fast = o.join("fast", 800, 2)
	slow = o.join("slow", 300, 2)
	id = o.hostSpace(host)

	for _, p := range []*participant{fast, slow} {
		_, err := p.manager.JoinSpace(context.Background(), id)
		require.NoError(t, err)
		attached(t, p, id)
	}
	require.Eventually(t, func() bool {
		st := status(t, host, id)
		if st == nil || len(st.Edges) != 2 {
			return false
		}
		for _, e := range st.Edges {
			if e.State != domain.StateConfirmed {
				return false
			}
		}
		return true
	}, settle, 20*time.Millisecond)
	return host, fast, slow, id
}

// A drop in answer to a reservation sends the listener to the next best
// node.
func TestSpace_RefusedReservationTriesNextCandidate(t *testing.T) {
	o := newOverlay(t)
	late := o.join("late", 600, 2)
	host, fast, slow, id := growTree(t, o)
	fast.media.FailOn = map[domain.NodeID]error{late.id: errors.New("no route")}

	_, err := late.manager.JoinSpace(context.Background(), id)
	require.NoError(t, err)
	attached(t, late, id)

	st := status(t, late, id)
	assert.Equal(t, slow.id, producerOf(st, late.id))
	assert.False(t, hasEdge(st, fast.id, late.id))
	assert.Equal(t, 1, late.metrics.GetSpaceMetrics(id).Refusals)
	assert.Equal(t, 1, fast.metrics.GetSpaceMetrics(id).Admissions)

	hostView := status(t, host, id)
	assert.False(t, hasEdge(hostView, fast.id, late.id))
}

// A node that never answers a reservation is given up on after the
// reservation timeout.
func TestSpace_ReservationTimeout(t *testing.T) {
	o := newOverlay(t)
	late := o.join("late", 600, 2)
	_, fast, slow, id := growTree(t, o)
	require.NoError(t, fast.channel.Close())

	start := time.Now()
	_, err := late.manager.JoinSpace(context.Background(), id)
	require.NoError(t, err)
	attached(t, late, id)
	assert.GreaterOrEqual(t, time.Since(start), testSpaceConfig().Space.ReservationTimeout)

	st := status(t, late, id)
	assert.Equal(t, slow.id, producerOf(st, late.id))
	_, reserved := st.Peers[fast.id]
	assert.False(t, reserved)
	assert.Equal(t, 1, late.metrics.GetSpaceMetrics(id).Refusals)
}

// A full host admits a better listener by dropping its worst child.
func TestSpace_FullHostEvictsWorstChild(t *testing.T) {
	o := newOverlay(t)
	ctx := context.Background()
	host := o.join("host", 1000, 2)
	slow := o.join("slow", 200, 2)
	steady := o.join("steady", 400, 2)
	id := o.hostSpace(host)

	for _, p := range []*participant{slow, steady} {
		_, err := p.manager.JoinSpace(ctx, id)
		require.NoError(t, err)
		attached(t, p, id)
		connectedTo(t, host, id, p.id)
	}

	strong := o.member("strong", domain.SpaceRef{ID: id, Root: host.id}, 900, 2)
	key := strong.reserve(host.id)

	dropped := strong.await(func(a domain.Action) bool {
		d, ok := a.(*domain.Drop)
		return ok && d.Sender == host.id && d.Target == slow.id
	})
	assert.Equal(t, strong.key(host.id, slow.id), dropped.(*domain.Drop).Key)

	confirm := strong.await(func(a domain.Action) bool {
		c, ok := a.(*domain.Confirm)
		return ok && c.Key == key
	})
	assert.Equal(t, host.id, confirm.Meta().Sender)

	m := host.metrics.GetSpaceMetrics(id)
	assert.Equal(t, 1, m.Evictions)

	hostView := status(t, host, id)
	assert.False(t, hasEdge(hostView, host.id, slow.id))
	assert.True(t, hasEdge(hostView, host.id, steady.id))
	assert.True(t, hasEdge(hostView, host.id, strong.id))
}

// Every member removes a dropped link on the first drop; a second drop on
// the same key changes nothing.
func TestSpace_DropAppliesOnce(t *testing.T) {
	o := newOverlay(t)
	ctx := context.Background()
	host := o.join("host", 1000, 2)
	guest := o.join("guest", 640, 2)
	id := o.hostSpace(host)

	_, err := guest.manager.JoinSpace(ctx, id)
	require.NoError(t, err)
	attached(t, guest, id)
	connectedTo(t, host, id, guest.id)

	brief := o.member("brief", domain.SpaceRef{ID: id, Root: host.id}, 600, 2)
	key := brief.reserve(host.id)
	brief.await(func(a domain.Action) bool {
		c, ok := a.(*domain.Confirm)
		return ok && c.Key == key
	})
	require.Eventually(t, func() bool {
		st := status(t, guest, id)
		return st != nil && hasEdge(st, host.id, brief.id)
	}, settle, 20*time.Millisecond)

	brief.drop(host.id, key)
	for _, p := range []*participant{host, guest} {
		require.Eventually(t, func() bool {
			st := status(t, p, id)
			return st != nil && !hasEdge(st, host.id, brief.id)
		}, settle, 20*time.Millisecond)
	}
	_, open := status(t, host, id).Peers[brief.id]
	assert.False(t, open)

	// Relays keep one drop per key and second.
	time.Sleep(1100 * time.Millisecond)
	brief.drop(host.id, key)

	assert.Never(t, func() bool {
		st := status(t, host, id)
		return st == nil || len(st.Edges) != 1 || !hasEdge(st, host.id, guest.id)
	}, 500*time.Millisecond, 20*time.Millisecond)
	connectedTo(t, host, id, guest.id)
	attached(t, guest, id)
	assert.Equal(t, 1, guest.media.Opened())
	assert.Equal(t, 0, host.metrics.GetSpaceMetrics(id).Evictions)
}
