package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"relayspaces/internal/core/domain"
)

type spaceContent struct {
	ID   domain.SpaceID       `json:"id"`
	Name string               `json:"name"`
	Host domain.PublicProfile `json:"host"`
}

type linkContent struct {
	Role           domain.EdgeRole       `json:"role"`
	NetworkMetrics domain.NetworkMetrics `json:"networkMetrics"`
}

type sdpContent struct {
	SDP string `json:"sdp"`
}

type iceContent struct {
	ICE []domain.ICECandidate `json:"ice"`
}

func memberKey(space domain.SpaceRef, self domain.NodeID) string {
	return strings.Join([]string{string(space.ID), string(space.Root), string(self)}, "|")
}

// Encode turns an action authored by author into an unsigned event.
func Encode(action domain.Action, author domain.NodeID) (*domain.Event, error) {
	kind, ok := KindOf(action.Kind())
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidEvent, action.Kind())
	}
	meta := action.Meta()
	space := meta.Space
	if cs, ok := action.(*domain.CreateSpace); ok {
		space = cs.Info.Ref()
	}
	if space.ID == "" || space.Root == "" {
		return nil, fmt.Errorf("%w: %s without space", domain.ErrInvalidEvent, action.Kind())
	}

	e := &domain.Event{
		CreatedAt: domain.Now(),
		Kind:      kind,
		Tags: domain.Tags{
			{TagApp, AppMarker},
			{TagSpace, string(space.ID)},
			{TagRoot, string(space.Root)},
		},
	}
	target := func() error {
		if meta.Target == "" {
			return fmt.Errorf("%w: %s without target", domain.ErrInvalidEvent, action.Kind())
		}
		e.Tags = append(e.Tags, domain.Tag{TagTarget, string(meta.Target)})
		return nil
	}

	var content interface{}
	switch a := action.(type) {
	case *domain.CreateSpace:
		content = spaceContent{ID: a.Info.ID, Name: a.Info.Name, Host: a.Info.Host}
	case *domain.CloseSpace, *domain.SpeechRequest:
	case *domain.Join:
		e.Tags = append(e.Tags, domain.Tag{TagDedup, memberKey(space, author)})
		content = a.Profile
	case *domain.Leave:
		e.Tags = append(e.Tags, domain.Tag{TagDedup, memberKey(space, author)})
	case *domain.Reserve:
		if err := target(); err != nil {
			return nil, err
		}
		e.Tags = append(e.Tags, domain.Tag{TagDedup, a.Key.String()})
		content = linkContent{Role: a.Role, NetworkMetrics: a.Metrics}
	case *domain.Confirm:
		if err := target(); err != nil {
			return nil, err
		}
		e.Tags = append(e.Tags, domain.Tag{TagDedup, a.Key.String()})
		content = linkContent{Role: a.Role, NetworkMetrics: a.Metrics}
	case *domain.Drop:
		if err := target(); err != nil {
			return nil, err
		}
		e.Tags = append(e.Tags, domain.Tag{TagDedup, a.Key.String()})
	case *domain.Moderation:
		if err := target(); err != nil {
			return nil, err
		}
	case *domain.Offer:
		if err := target(); err != nil {
			return nil, err
		}
		content = sdpContent{SDP: a.SDP}
	case *domain.Answer:
		if err := target(); err != nil {
			return nil, err
		}
		content = sdpContent{SDP: a.SDP}
	case *domain.ICE:
		if err := target(); err != nil {
			return nil, err
		}
		content = iceContent{ICE: a.Candidates}
	}

	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", action.Kind(), err)
		}
		e.Content = string(raw)
	}
	return e, nil
}

// Decode turns a verified event into an action. Events without the
// application marker or with malformed content yield ErrInvalidEvent.
func Decode(e *domain.Event) (domain.Action, error) {
	kind, ok := ActionOf(e.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", domain.ErrInvalidEvent, e.Kind)
	}
	if !e.Tags.Has(TagApp, AppMarker) {
		return nil, fmt.Errorf("%w: missing app marker", domain.ErrInvalidEvent)
	}
	env := domain.Envelope{
		EventID:   e.ID,
		Sender:    e.PubKey,
		Target:    domain.NodeID(e.Tags.Value(TagTarget)),
		Space:     domain.SpaceRef{ID: domain.SpaceID(e.Tags.Value(TagSpace)), Root: domain.NodeID(e.Tags.Value(TagRoot))},
		CreatedAt: e.CreatedAt.Time(),
	}
	if env.Space.ID == "" || env.Space.Root == "" {
		return nil, fmt.Errorf("%w: %s without space tags", domain.ErrInvalidEvent, kind)
	}
	needsTarget := kind != domain.ActionCreateSpace && kind != domain.ActionCloseSpace &&
		kind != domain.ActionJoin && kind != domain.ActionLeave && kind != domain.ActionRequestSpeech
	if needsTarget && env.Target == "" {
		return nil, fmt.Errorf("%w: %s without target", domain.ErrInvalidEvent, kind)
	}

	unmarshal := func(v interface{}) error {
		if err := json.Unmarshal([]byte(e.Content), v); err != nil {
			return fmt.Errorf("%w: %s content: %v", domain.ErrInvalidEvent, kind, err)
		}
		return nil
	}
	edgeKey := func() (domain.EdgeKey, error) {
		key, err := domain.ParseEdgeKey(e.Tags.Value(TagDedup))
		if err != nil {
			return key, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
		}
		if key.Space != env.Space.ID || key.Root != env.Space.Root {
			return key, fmt.Errorf("%w: edge key outside its space", domain.ErrInvalidEvent)
		}
		return key, nil
	}

	switch kind {
	case domain.ActionCreateSpace:
		var c spaceContent
		if err := unmarshal(&c); err != nil {
			return nil, err
		}
		if c.ID != env.Space.ID || c.Host.PublicKey != e.PubKey || env.Space.Root != e.PubKey {
			return nil, fmt.Errorf("%w: space announced for someone else", domain.ErrInvalidEvent)
		}
		return &domain.CreateSpace{Envelope: env, Info: domain.SpaceInfo{
			ID:        c.ID,
			Name:      c.Name,
			Host:      c.Host,
			CreatedAt: env.CreatedAt,
		}}, nil
	case domain.ActionCloseSpace:
		return &domain.CloseSpace{Envelope: env}, nil
	case domain.ActionJoin:
		var p domain.PublicProfile
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		p.PublicKey = e.PubKey
		return &domain.Join{Envelope: env, Profile: p}, nil
	case domain.ActionLeave:
		return &domain.Leave{Envelope: env}, nil
	case domain.ActionReserve, domain.ActionConfirm:
		key, err := edgeKey()
		if err != nil {
			return nil, err
		}
		var c linkContent
		if err := unmarshal(&c); err != nil {
			return nil, err
		}
		if !c.Role.Valid() {
			return nil, fmt.Errorf("%w: role %q", domain.ErrInvalidEvent, c.Role)
		}
		if kind == domain.ActionReserve {
			return &domain.Reserve{Envelope: env, Key: key, Role: c.Role, Metrics: c.NetworkMetrics}, nil
		}
		return &domain.Confirm{Envelope: env, Key: key, Role: c.Role, Metrics: c.NetworkMetrics}, nil
	case domain.ActionDrop:
		key, err := edgeKey()
		if err != nil {
			return nil, err
		}
		return &domain.Drop{Envelope: env, Key: key}, nil
	case domain.ActionRemovePeer, domain.ActionPromoteSpeaker, domain.ActionPromoteCoHost, domain.ActionDemote:
		return &domain.Moderation{Envelope: env, Op: kind}, nil
	case domain.ActionOffer, domain.ActionAnswer:
		var c sdpContent
		if err := unmarshal(&c); err != nil {
			return nil, err
		}
		if c.SDP == "" {
			return nil, fmt.Errorf("%w: empty sdp", domain.ErrInvalidEvent)
		}
		if kind == domain.ActionOffer {
			return &domain.Offer{Envelope: env, SDP: c.SDP}, nil
		}
		return &domain.Answer{Envelope: env, SDP: c.SDP}, nil
	case domain.ActionICE:
		var c iceContent
		if err := unmarshal(&c); err != nil {
			return nil, err
		}
		return &domain.ICE{Envelope: env, Candidates: c.ICE}, nil
	case domain.ActionRequestSpeech:
		return &domain.SpeechRequest{Envelope: env}, nil
	}
	return nil, fmt.Errorf("%w: unhandled kind %d", domain.ErrInvalidEvent, e.Kind)
}
