package authz

import (
	"testing"
	"time"
)

func TestCheckTimeWindow(t *testing.T) {
	monday9am := time.Date(2026, 8, 3, 9, 30, 0, 0, time.UTC) // a Monday
	w := TimeWindowCheck{
		DaysOfWeek: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHHMM:  "08:00",
		EndHHMM:    "18:00",
	}
	if !checkTimeWindow(w, map[string]any{"now": monday9am}) {
		t.Error("expected weekday business hours to pass")
	}

	sunday := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	if checkTimeWindow(w, map[string]any{"now": sunday}) {
		t.Error("expected Sunday to fail the weekday check")
	}

	lateNight := time.Date(2026, 8, 3, 23, 0, 0, 0, time.UTC)
	if checkTimeWindow(w, map[string]any{"now": lateNight}) {
		t.Error("expected 23:00 to fail the 08:00-18:00 window")
	}
}

func TestCheckTimeWindow_WrapsPastMidnight(t *testing.T) {
	w := TimeWindowCheck{StartHHMM: "22:00", EndHHMM: "02:00"}
	midnight := time.Date(2026, 8, 3, 23, 30, 0, 0, time.UTC)
	if !checkTimeWindow(w, map[string]any{"now": midnight}) {
		t.Error("expected 23:30 to fall within a 22:00-02:00 window")
	}
	noon := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	if checkTimeWindow(w, map[string]any{"now": noon}) {
		t.Error("expected noon to fall outside a 22:00-02:00 window")
	}
}

func TestCheckGeo(t *testing.T) {
	g := GeoCheck{Allow: []string{"US", "CA"}}
	if ok, _ := checkGeo(g, map[string]any{"geo": "US"}); !ok {
		t.Error("expected US to be allowed")
	}
	if ok, _ := checkGeo(g, map[string]any{"geo": "RU"}); ok {
		t.Error("expected RU to be denied by omission from allowlist")
	}

	g2 := GeoCheck{Deny: []string{"RU"}}
	if ok, _ := checkGeo(g2, map[string]any{"geo": "RU"}); ok {
		t.Error("expected RU to be denied")
	}
	if ok, _ := checkGeo(g2, map[string]any{"geo": "US"}); !ok {
		t.Error("expected US to pass when only a deny list is set")
	}
}

func TestEvaluateContextPolicy_RiskThresholds(t *testing.T) {
	body := ContextBody{RiskThresholds: &RiskCheck{MFAAbove: 50, DenyAbove: 90}}

	out := evaluateContextPolicy(body, map[string]any{"risk_score": 95})
	if !out.Denied {
		t.Error("expected risk score 95 to deny")
	}

	out = evaluateContextPolicy(body, map[string]any{"risk_score": 60})
	if out.Denied || out.RequiredAction != RequiredMFA {
		t.Errorf("expected risk score 60 to require mfa, got %+v", out)
	}

	out = evaluateContextPolicy(body, map[string]any{"risk_score": 10})
	if out.Denied || out.RequiredAction != "" {
		t.Errorf("expected risk score 10 to pass cleanly, got %+v", out)
	}
}

func TestEvaluateContextPolicy_DeviceCompliant(t *testing.T) {
	body := ContextBody{DeviceCompliant: true}
	out := evaluateContextPolicy(body, map[string]any{"device_compliant": false})
	if !out.Denied {
		t.Error("expected non-compliant device to deny")
	}
	out = evaluateContextPolicy(body, map[string]any{"device_compliant": true})
	if out.Denied {
		t.Error("expected compliant device to pass")
	}
}

func TestEvaluateContextPolicy_ImpossibleTravel(t *testing.T) {
	body := ContextBody{ImpossibleTravel: true}
	out := evaluateContextPolicy(body, map[string]any{"impossible_travel": true})
	if !out.Denied {
		t.Error("expected impossible travel flag to deny")
	}
}
