package signal

import "relayspaces/internal/core/domain"

// Event kinds. 2xxxx are ephemeral, 3xxxx parameterized-replaceable.
const (
	KindCreateSpace    = 1000
	KindCloseSpace     = 1001
	KindJoin           = 31101
	KindLeave          = 31102
	KindReserve        = 31103
	KindConfirm        = 31104
	KindDrop           = 31105
	KindRemovePeer     = 31106
	KindPromoteSpeaker = 31107
	KindPromoteCoHost  = 31108
	KindDemote         = 31109
	KindOffer          = 21102
	KindAnswer         = 21103
	KindICE            = 21104
	KindRequestSpeech  = 21105
)

// Tag names and the application marker every event carries.
const (
	TagSpace  = "s"
	TagRoot   = "h"
	TagTarget = "p"
	TagDedup  = "d"
	TagApp    = "webrtc"
	AppMarker = "spaces"
)

var kindByAction = map[domain.ActionKind]int{
	domain.ActionCreateSpace:    KindCreateSpace,
	domain.ActionCloseSpace:     KindCloseSpace,
	domain.ActionJoin:           KindJoin,
	domain.ActionLeave:          KindLeave,
	domain.ActionReserve:        KindReserve,
	domain.ActionConfirm:        KindConfirm,
	domain.ActionDrop:           KindDrop,
	domain.ActionRemovePeer:     KindRemovePeer,
	domain.ActionPromoteSpeaker: KindPromoteSpeaker,
	domain.ActionPromoteCoHost:  KindPromoteCoHost,
	domain.ActionDemote:         KindDemote,
	domain.ActionOffer:          KindOffer,
	domain.ActionAnswer:         KindAnswer,
	domain.ActionICE:            KindICE,
	domain.ActionRequestSpeech:  KindRequestSpeech,
}

var actionByKind = func() map[int]domain.ActionKind {
	m := make(map[int]domain.ActionKind, len(kindByAction))
	for a, k := range kindByAction {
		m[k] = a
	}
	return m
}()

// KindOf returns the event kind carrying action kind a.
func KindOf(a domain.ActionKind) (int, bool) {
	k, ok := kindByAction[a]
	return k, ok
}

func ActionOf(kind int) (domain.ActionKind, bool) {
	a, ok := actionByKind[kind]
	return a, ok
}

// spaceKinds are delivered to every member of a space.
var spaceKinds = []int{
	KindCloseSpace, KindJoin, KindLeave, KindConfirm, KindDrop,
	KindRemovePeer, KindPromoteSpeaker, KindPromoteCoHost, KindDemote,
	KindRequestSpeech,
}

// historyKinds make up the replayable membership and topology backlog.
var historyKinds = []int{KindJoin, KindLeave, KindConfirm, KindDrop}

var peerKinds = []int{KindOffer, KindAnswer, KindICE}
