package entities

import (
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/versioning"
)

func sampleUser() *User {
	user := NewUser(42)
	user.AccessHash = 777
	user.FirstName = "Ada"
	user.LastName = "Lovelace"
	user.PhoneNumber = "15550001"
	user.Usernames = Usernames{Active: []string{"ada", "countess"}, EditablePos: 0}
	user.Photo = ProfilePhoto{ID: 9, DCID: 2}
	user.WasOnline = 1700000000
	user.IsContact = true
	user.EmojiStatus = EmojiStatus{CustomEmojiID: 5, Until: 1700003600}
	return user
}

func TestApplyIsIdempotentForEveryKind(testContext *testing.T) {
	testCases := []struct {
		name  string
		apply func() (first, second bool, record *Record)
	}{
		{
			name: "user",
			apply: func() (bool, bool, *Record) {
				target := NewUser(42)
				payload := sampleUser()
				first := target.Apply(payload)
				target.ClearPending()
				return first, target.Apply(payload), target.Bookkeeping()
			},
		},
		{
			name: "user full",
			apply: func() (bool, bool, *Record) {
				target := NewUserFull(42)
				payload := NewUserFull(42)
				payload.About = "analyst"
				payload.Bot = BotInfo{Description: "helper", Commands: []BotCommand{{Command: "start", Description: "begin"}}}
				payload.GiftOptions = []GiftOption{{Months: 3, Currency: "EUR", Amount: 1199}}
				first := target.Apply(payload)
				target.ClearPending()
				return first, target.Apply(payload), target.Bookkeeping()
			},
		},
		{
			name: "chat",
			apply: func() (bool, bool, *Record) {
				target := NewChat(7)
				payload := NewChat(7)
				payload.Title = "Engines"
				payload.ParticipantCount = 4
				payload.Version = 3
				payload.Status = Member()
				first := target.Apply(payload)
				target.ClearPending()
				return first, target.Apply(payload), target.Bookkeeping()
			},
		},
		{
			name: "chat full",
			apply: func() (bool, bool, *Record) {
				target := NewChatFull(7)
				payload := NewChatFull(7)
				payload.Version = 2
				payload.CreatorUserID = 1
				payload.Participants = []Participant{{UserID: 1, Status: Creator("")}, {UserID: 2, InviterUserID: 1, Status: Member()}}
				payload.BotCommands = []BotCommands{{BotUserID: 3, Commands: []BotCommand{{Command: "help"}}}}
				first := target.Apply(payload)
				target.ClearPending()
				return first, target.Apply(payload), target.Bookkeeping()
			},
		},
		{
			name: "channel",
			apply: func() (bool, bool, *Record) {
				target := NewChannel(9)
				payload := NewChannel(9)
				payload.AccessHash = 55
				payload.Title = "News"
				payload.ParticipantCount = 1200
				payload.Flags = ChannelFlags{IsBroadcast: true, SignMessages: true}
				payload.Usernames = Usernames{Active: []string{"news"}, EditablePos: 0}
				first := target.Apply(payload)
				target.ClearPending()
				return first, target.Apply(payload), target.Bookkeeping()
			},
		},
		{
			name: "channel full",
			apply: func() (bool, bool, *Record) {
				target := NewChannelFull(9)
				payload := NewChannelFull(9)
				payload.ParticipantCount = 1200
				payload.AdministratorCount = 3
				payload.BotUserIDs = []ids.UserID{11}
				payload.SlowModeDelay = 30
				first := target.Apply(payload)
				target.ClearPending()
				return first, target.Apply(payload), target.Bookkeeping()
			},
		},
		{
			name: "secret chat",
			apply: func() (bool, bool, *Record) {
				target := NewSecretChat(5)
				payload := NewSecretChat(5)
				payload.UserID = 42
				payload.State = SecretChatActive
				payload.KeyFingerprint = []byte{1, 2, 3}
				payload.Layer = 144
				first := target.Apply(payload)
				target.ClearPending()
				return first, target.Apply(payload), target.Bookkeeping()
			},
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			first, second, record := testCase.apply()
			if !first {
				t.Fatalf("expected the first apply to report a change")
			}
			if second {
				t.Fatalf("expected the second apply to report no change")
			}
			if record.NeedsSend() {
				t.Fatalf("expected no pending event after an idempotent apply")
			}
		})
	}
}

func TestUserMinPayloadKeepsPrivateFields(testContext *testing.T) {
	user := sampleUser()
	user.ClearPending()

	minPayload := sampleUser()
	minPayload.AccessHash = 999
	minPayload.IsMinAccessHash = true
	minPayload.PhoneNumber = ""
	minPayload.IsContact = false
	minPayload.WasOnline = 0
	minPayload.FirstName = "Augusta"

	if !user.Apply(minPayload) {
		testContext.Fatalf("expected the name change to be applied")
	}
	if user.PhoneNumber != "15550001" || !user.IsContact || user.WasOnline != 1700000000 {
		testContext.Fatalf("expected private fields to survive a reduced-trust payload, got %+v", user.Snapshot())
	}
	if user.AccessHash != 777 || user.IsMinAccessHash {
		testContext.Fatalf("expected the full access hash to be kept, got %d min=%t", user.AccessHash, user.IsMinAccessHash)
	}
}

func TestAccessHashChangeSavesWithoutEvent(testContext *testing.T) {
	user := NewUser(1)
	user.ClearPending()
	generation := user.Generation()
	if !user.MarkSaved(generation) {
		testContext.Fatalf("expected the initial save flag to clear")
	}

	if !user.ApplyAccessHash(31337, false) {
		testContext.Fatalf("expected access hash to be stored")
	}
	if user.NeedsSend() {
		testContext.Fatalf("access hash changes must not emit events")
	}
	if !user.NeedsSave() {
		testContext.Fatalf("access hash changes must be persisted")
	}
}

func TestChatParticipantCountVersions(testContext *testing.T) {
	chat := NewChat(3)
	if changed, verdict := chat.ApplyParticipantCount(5, 4); !changed || verdict != versioning.Accept {
		testContext.Fatalf("expected first versioned count to be accepted, got %t %s", changed, verdict)
	}
	if changed, verdict := chat.ApplyParticipantCount(9, 2); changed || verdict != versioning.Stale {
		testContext.Fatalf("expected older version to be ignored, got %t %s", changed, verdict)
	}
	if changed, verdict := chat.ApplyParticipantCount(7, 9); !changed || verdict != versioning.Accept {
		testContext.Fatalf("expected newer version to be accepted despite the jump, got %t %s", changed, verdict)
	}
	if chat.ParticipantCount != 7 || chat.Version != 9 {
		testContext.Fatalf("expected count 7 at version 9, got %d at %d", chat.ParticipantCount, chat.Version)
	}
}

func TestChatFullParticipantOperations(testContext *testing.T) {
	full := NewChatFull(3)
	participants := []Participant{{UserID: 1, Status: Creator("")}, {UserID: 2, Status: Member()}}
	if changed, _ := full.ApplyParticipants(participants, 1, 1); !changed {
		testContext.Fatalf("expected participant list to be stored")
	}
	participants[1].UserID = 99
	if _, found := full.Participant(2); !found {
		testContext.Fatalf("stored participants must not alias the caller slice")
	}

	if !full.AddParticipant(Participant{UserID: 3, InviterUserID: 1, Status: Member()}, 2) {
		testContext.Fatalf("expected a new participant to be added")
	}
	if full.AddParticipant(Participant{UserID: 3, Status: Member()}, 3) {
		testContext.Fatalf("expected a duplicate participant to be rejected")
	}
	if full.Version != 2 {
		testContext.Fatalf("rejected additions must not move the version, got %d", full.Version)
	}
	if !full.SetParticipantAdmin(3, true, 3) {
		testContext.Fatalf("expected promotion to succeed")
	}
	promoted, _ := full.Participant(3)
	if !promoted.Status.IsAdministrator() {
		testContext.Fatalf("expected participant 3 to be an administrator, got %s", promoted.Status.Type)
	}
	if full.SetParticipantAdmin(1, false, 4) {
		testContext.Fatalf("creator status must not be changed")
	}
	if !full.RemoveParticipant(2, 4) {
		testContext.Fatalf("expected participant removal to succeed")
	}
	if len(full.Participants) != 2 || full.Version != 4 {
		testContext.Fatalf("expected 2 participants at version 4, got %d at %d", len(full.Participants), full.Version)
	}
	if full.RemoveParticipant(2, 5) {
		testContext.Fatalf("expected removal of an unknown participant to fail")
	}
}

func TestSpeculativeCountsClampToAdministrators(testContext *testing.T) {
	full := NewChannelFull(8)
	full.ApplyCounts(3, 3, 0, 0)
	full.ClearPending()

	if full.SpeculativeAddParticipants(-2) {
		testContext.Fatalf("participant count must not drop below the administrator count")
	}
	if full.SpeculativeVersion != 1 {
		testContext.Fatalf("unchanged counters must not bump the speculative version, got %d", full.SpeculativeVersion)
	}
	if !full.SpeculativeAddParticipants(2) || full.ParticipantCount != 5 {
		testContext.Fatalf("expected participant count 5, got %d", full.ParticipantCount)
	}
	if full.SpeculativeVersion != 2 {
		testContext.Fatalf("expected speculative version 2, got %d", full.SpeculativeVersion)
	}
}

func TestSpeculativeTransitionMovesEveryCounter(testContext *testing.T) {
	full := NewChannelFull(8)
	full.ApplyCounts(10, 2, 1, 0)

	if !full.SpeculativeTransition(Member(), Banned(0)) {
		testContext.Fatalf("expected a ban to change counters")
	}
	if full.ParticipantCount != 9 || full.BannedCount != 1 {
		testContext.Fatalf("expected 9 participants and 1 banned, got %d and %d", full.ParticipantCount, full.BannedCount)
	}
	if !full.SpeculativeTransition(Restricted(true, RightPostMessages, 0), Administrator(RightBanUsers, "")) {
		testContext.Fatalf("expected a promotion to change counters")
	}
	if full.AdministratorCount != 3 || full.RestrictedCount != 0 || full.ParticipantCount != 9 {
		testContext.Fatalf("unexpected counters after promotion: %+v", full.Snapshot())
	}
}

func TestAuthoritativeChannelFullReplacesSpeculativeCounts(testContext *testing.T) {
	full := NewChannelFull(8)
	full.ApplyCounts(10, 1, 0, 0)
	full.SpeculativeTransition(Member(), Banned(0))
	full.Speculation().MarkRepairRequested()
	full.DistrustCounters()

	payload := NewChannelFull(8)
	payload.ApplyCounts(8, 1, 0, 2)
	full.Apply(payload)

	if full.ParticipantCount != 8 || full.BannedCount != 2 {
		testContext.Fatalf("expected server counters, got %+v", full.Snapshot())
	}
	if full.RepairRequestVersion != 0 || !full.CountersTrusted() {
		testContext.Fatalf("expected the repair marker to be settled")
	}
}

func TestChannelSlotUpgrade(testContext *testing.T) {
	var slot ChannelSlot
	if slot.State() != SlotUnknown {
		testContext.Fatalf("expected zero slot to be unknown")
	}
	minimal := MinChannel{Title: "Placeholder", IsMegagroup: true, AccentColorID: 4}
	if !slot.SetMinimal(minimal) {
		testContext.Fatalf("expected minimal info to be stored")
	}
	if slot.SetMinimal(minimal) {
		testContext.Fatalf("expected identical minimal info to be a no-op")
	}

	channel := slot.Upgrade(12)
	if slot.State() != SlotFull {
		testContext.Fatalf("expected slot to be full after upgrade")
	}
	if channel.Title != "Placeholder" || !channel.Flags.IsMegagroup || channel.AccentColorID != 4 {
		testContext.Fatalf("expected placeholder fields to be carried over, got %+v", channel.Snapshot())
	}
	if slot.SetMinimal(MinChannel{Title: "Other"}) {
		testContext.Fatalf("minimal info must not downgrade a full slot")
	}
	if again := slot.Upgrade(12); again != channel {
		testContext.Fatalf("expected upgrade of a full slot to return the same channel")
	}
}

func TestMemberStatusExpire(testContext *testing.T) {
	testCases := []struct {
		name    string
		status  MemberStatus
		now     int32
		want    MemberStatus
		expired bool
	}{
		{name: "temporary ban ends", status: Banned(100), now: 100, want: Left(), expired: true},
		{name: "ban still active", status: Banned(100), now: 99, want: Banned(100)},
		{name: "permanent ban", status: Banned(0), now: 1 << 30, want: Banned(0)},
		{name: "restricted member returns", status: Restricted(true, RightPostMessages, 50), now: 60, want: Member(), expired: true},
		{name: "restricted non-member leaves", status: Restricted(false, RightPostMessages, 50), now: 60, want: Left(), expired: true},
		{name: "administrator never expires", status: Administrator(RightBanUsers, "mod"), now: 60, want: Administrator(RightBanUsers, "mod")},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			got, expired := testCase.status.Expire(testCase.now)
			if expired != testCase.expired || !got.Equal(testCase.want) {
				t.Fatalf("expected %+v (expired=%t), got %+v (expired=%t)", testCase.want, testCase.expired, got, expired)
			}
		})
	}
}

func TestRecordFlushStateRejectsReentry(testContext *testing.T) {
	record := newRecord()
	if err := record.BeginFlush(); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if err := record.BeginFlush(); !errors.Is(err, ErrReentrantFlush) {
		testContext.Fatalf("expected ErrReentrantFlush, got %v", err)
	}
	record.EndFlush()
	if record.FlushState() != FlushIdle {
		testContext.Fatalf("expected idle state after EndFlush")
	}
}

func TestRecordSaveGeneration(testContext *testing.T) {
	record := newRecord()
	generation := record.Generation()
	record.MarkChanged(ChangeTitle)
	if record.MarkSaved(generation) {
		testContext.Fatalf("a save of an older generation must keep the record dirty")
	}
	if !record.MarkSaved(record.Generation()) || record.NeedsSave() {
		testContext.Fatalf("a save of the current generation must clear the flag")
	}
}

func TestRecordExpiry(testContext *testing.T) {
	now := time.Unix(1700000000, 0)
	record := newRecord()
	if !record.IsExpired(now) {
		testContext.Fatalf("a record without expiry must be expired")
	}
	record.SetExpiresAt(now.Add(time.Minute))
	if record.IsExpired(now) {
		testContext.Fatalf("expected record to be fresh")
	}
}

func TestSecretChatNeverReopens(testContext *testing.T) {
	secretChat := NewSecretChat(1)
	secretChat.ApplyState(SecretChatClosed)
	if secretChat.ApplyState(SecretChatActive) {
		testContext.Fatalf("a closed secret chat must stay closed")
	}
	if secretChat.ApplyLayer(0) {
		testContext.Fatalf("the layer must not decrease")
	}
}
