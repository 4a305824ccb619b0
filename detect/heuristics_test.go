package detect

import (
	"fmt"
	"testing"

	"hostaudit/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func failedLogon(account *string, ip string) core.SecurityEvent {
	return core.SecurityEvent{EventID: core.EventIDLogonFailure, Account: account, Target: account, IP: ip}
}

func groupAdd(eventID int, group, member string) core.SecurityEvent {
	msg := fmt.Sprintf("A member was added to a security-enabled local group. Subject: Security ID: S-1-5-21 Account Name: admin Account Domain: CORP "+
		"Member: Security ID: S-1-5-21-1001 Account Name: %s Group: Security ID: S-1-5-32-544 Group Name: %s Group Domain: Builtin "+
		"Additional Information: Privileges: -", member, group)
	return core.SecurityEvent{EventID: eventID, Message: msg, IP: core.NotApplicableIP}
}

func TestBruteForce_ThresholdReached(t *testing.T) {
	engine := NewDetectionEngine(DetectionConfig{Threshold: 5, WindowMinutes: 5})

	var events []core.SecurityEvent
	for i := 0; i < 5; i++ {
		events = append(events, failedLogon(strPtr("alice"), "10.0.0.5"))
	}
	events = append(events, core.SecurityEvent{EventID: core.EventIDLogonSuccess, Account: strPtr("alice")})

	alerts := engine.BruteForce(events)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, core.RuleIDBruteForce, a.RuleID)
	assert.Equal(t, core.SeverityHigh, a.Severity)
	assert.Equal(t, "5 failed logons for 'alice' in last 5 min", a.Summary)
	assert.Equal(t, 5, a.Evidence["count"])
	assert.Equal(t, 5, a.Evidence["threshold"])
	assert.Equal(t, "10.0.0.5", a.Evidence["last_ip"])
	assert.Equal(t, "10.0.0.5", a.IP)
	require.NotNil(t, a.Account)
	assert.Equal(t, "alice", *a.Account)
}

func TestBruteForce_BelowThreshold(t *testing.T) {
	engine := NewDetectionEngine(DetectionConfig{Threshold: 5})

	var events []core.SecurityEvent
	for i := 0; i < 4; i++ {
		events = append(events, failedLogon(strPtr("alice"), "10.0.0.5"))
	}
	assert.Empty(t, engine.BruteForce(events))
}

func TestBruteForce_IPFallbackKey(t *testing.T) {
	engine := NewDetectionEngine(DetectionConfig{Threshold: 3, WindowMinutes: 10})

	events := []core.SecurityEvent{
		failedLogon(nil, "192.168.1.9"),
		failedLogon(nil, "192.168.1.9"),
		failedLogon(nil, "192.168.1.9"),
		failedLogon(nil, core.NotApplicableIP),
	}

	alerts := engine.BruteForce(events)
	require.Len(t, alerts, 1)
	assert.Equal(t, "3 failed logons for 'IP:192.168.1.9' in last 10 min", alerts[0].Summary)
	assert.Nil(t, alerts[0].Account)
	assert.Equal(t, "192.168.1.9", alerts[0].IP)
}

func TestBruteForce_LastIPIgnoresNA(t *testing.T) {
	engine := NewDetectionEngine(DetectionConfig{Threshold: 2})

	events := []core.SecurityEvent{
		failedLogon(strPtr("bob"), "10.1.1.1"),
		failedLogon(strPtr("bob"), core.NotApplicableIP),
	}
	alerts := engine.BruteForce(events)
	require.Len(t, alerts, 1)
	assert.Equal(t, "10.1.1.1", alerts[0].IP)

	events = []core.SecurityEvent{
		failedLogon(strPtr("carol"), core.NotApplicableIP),
		failedLogon(strPtr("carol"), core.NotApplicableIP),
	}
	alerts = engine.BruteForce(events)
	require.Len(t, alerts, 1)
	assert.Equal(t, core.NotApplicableIP, alerts[0].IP)
}

func TestPrivilegedGroupChanges(t *testing.T) {
	engine := NewDetectionEngine(DetectionConfig{})

	alerts := engine.PrivilegedGroupChanges([]core.SecurityEvent{
		groupAdd(core.EventIDLocalGroupAdd, "Administrators", "bob"),
		groupAdd(core.EventIDLocalGroupAdd, "Users", "eve"),
		groupAdd(core.EventIDGlobalGroupAdd, "Domain Admins", "-"),
	})
	require.Len(t, alerts, 2)

	a := alerts[0]
	assert.Equal(t, core.RuleIDPrivilegedGroupAdd, a.RuleID)
	assert.Equal(t, core.SeverityHigh, a.Severity)
	assert.Equal(t, "User added to privileged group 'Administrators': bob", a.Summary)
	assert.Equal(t, "Administrators", a.Evidence["group"])
	assert.Equal(t, "bob", a.Evidence["member"])
	assert.Equal(t, core.NotApplicableIP, a.IP)
	require.NotNil(t, a.Account)
	assert.Equal(t, "bob", *a.Account)

	assert.Nil(t, alerts[1].Account, "member '-' is not an account")
}

func TestPrivilegedGroupChanges_MemberFallsBackToTarget(t *testing.T) {
	engine := NewDetectionEngine(DetectionConfig{AdminGroups: []string{"Backup Operators"}})

	ev := core.SecurityEvent{
		EventID: core.EventIDLocalGroupAdd,
		Message: "Group Name: Backup Operators Group Domain: Builtin",
		Target:  strPtr("svc_backup"),
	}
	alerts := engine.PrivilegedGroupChanges([]core.SecurityEvent{ev})
	require.Len(t, alerts, 1)
	assert.Equal(t, "User added to privileged group 'Backup Operators': svc_backup", alerts[0].Summary)
}

func TestDetect_StampsSourceAndHost(t *testing.T) {
	engine := NewDetectionEngine(DetectionConfig{Threshold: 1})
	alerts := engine.Detect([]core.SecurityEvent{
		failedLogon(strPtr("alice"), "10.0.0.5"),
		groupAdd(core.EventIDLocalGroupAdd, "Administrators", "bob"),
	}, core.SourceLive, "WS01")

	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, core.SourceLive, a.Source)
		assert.Equal(t, "WS01", a.Host)
	}
}

func TestFilterBelowThreshold(t *testing.T) {
	candidates := []*core.Detection{
		{RuleID: core.RuleIDBruteForce, Evidence: map[string]interface{}{"count": 3}},
		{RuleID: core.RuleIDBruteForce, Evidence: map[string]interface{}{"count": 7}},
		{RuleID: core.RuleIDPrivilegedGroupAdd, Evidence: map[string]interface{}{}},
	}
	kept := FilterBelowThreshold(candidates, 5)
	require.Len(t, kept, 2)
	assert.Equal(t, 7, kept[0].Evidence["count"])
	assert.Equal(t, core.RuleIDPrivilegedGroupAdd, kept[1].RuleID)
}
