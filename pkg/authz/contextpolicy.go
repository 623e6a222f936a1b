package authz

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContextBody is the JSON body of a Context policy: a set of independent
// checks, all of which must hold for the policy to permit the request.
// Any check that fails denies; an absent check is skipped.
type ContextBody struct {
	TimeWindow       *TimeWindowCheck  `json:"time_window,omitempty"`
	Geo              *GeoCheck         `json:"geo,omitempty"`
	NetworkZone      *NetworkZoneCheck `json:"network_zone,omitempty"`
	DeviceCompliant  bool              `json:"device_compliant_required,omitempty"`
	RiskThresholds   *RiskCheck        `json:"risk_thresholds,omitempty"`
	ImpossibleTravel bool              `json:"impossible_travel_check,omitempty"`
}

// TimeWindowCheck restricts access to a set of weekdays plus a daily
// [start,end) interval, evaluated against environment_attributes["now"]
// in UTC.
type TimeWindowCheck struct {
	DaysOfWeek []time.Weekday `json:"days_of_week"`
	StartHHMM  string         `json:"start"` // "HH:MM"
	EndHHMM    string         `json:"end"`
}

// GeoCheck allows or denies by ISO country code carried in
// environment_attributes["geo"].
type GeoCheck struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// NetworkZoneCheck allows or denies by the network_zone tag a request
// arrived through (e.g. "corp", "vpn", "public").
type NetworkZoneCheck struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// RiskCheck maps a 0..100 risk_score onto required_action or deny.
type RiskCheck struct {
	MFAAbove  int `json:"mfa_above"`
	DenyAbove int `json:"deny_above"`
}

func parseContextBody(raw []byte) (ContextBody, error) {
	var body ContextBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ContextBody{}, err
	}
	return body, nil
}

// contextOutcome is the verdict a single Context policy produces: whether
// it denies the request outright, and what step-up (if any) it demands of
// an otherwise-permitted request.
type contextOutcome struct {
	Denied         bool
	DenyReason     string
	RequiredAction RequiredAction
}

// evaluateContextPolicy runs every configured check in body against env,
// short-circuiting on the first failing check.
func evaluateContextPolicy(body ContextBody, env map[string]any) contextOutcome {
	if body.TimeWindow != nil {
		if !checkTimeWindow(*body.TimeWindow, env) {
			return contextOutcome{Denied: true, DenyReason: "outside allowed time window"}
		}
	}
	if body.Geo != nil {
		if ok, reason := checkGeo(*body.Geo, env); !ok {
			return contextOutcome{Denied: true, DenyReason: reason}
		}
	}
	if body.NetworkZone != nil {
		if ok, reason := checkNetworkZone(*body.NetworkZone, env); !ok {
			return contextOutcome{Denied: true, DenyReason: reason}
		}
	}
	if body.DeviceCompliant {
		compliant, ok := env["device_compliant"].(bool)
		if !ok || !compliant {
			return contextOutcome{Denied: true, DenyReason: "device not compliant"}
		}
	}
	if body.ImpossibleTravel {
		if flagged, _ := env["impossible_travel"].(bool); flagged {
			return contextOutcome{Denied: true, DenyReason: "impossible travel detected"}
		}
	}
	if body.RiskThresholds != nil {
		if score, ok := intAttr(env["risk_score"]); ok {
			if body.RiskThresholds.DenyAbove > 0 && score >= body.RiskThresholds.DenyAbove {
				return contextOutcome{Denied: true, DenyReason: fmt.Sprintf("risk score %d at or above deny threshold %d", score, body.RiskThresholds.DenyAbove)}
			}
			if body.RiskThresholds.MFAAbove > 0 && score >= body.RiskThresholds.MFAAbove {
				return contextOutcome{RequiredAction: RequiredMFA}
			}
		}
	}
	return contextOutcome{}
}

func checkTimeWindow(w TimeWindowCheck, env map[string]any) bool {
	now, ok := env["now"].(time.Time)
	if !ok {
		return false
	}
	now = now.UTC()
	if len(w.DaysOfWeek) > 0 {
		var dayOK bool
		for _, d := range w.DaysOfWeek {
			if d == now.Weekday() {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}
	if w.StartHHMM == "" || w.EndHHMM == "" {
		return true
	}
	start, err1 := time.Parse("15:04", w.StartHHMM)
	end, err2 := time.Parse("15:04", w.EndHHMM)
	if err1 != nil || err2 != nil {
		return false
	}
	minutesNow := now.Hour()*60 + now.Minute()
	minutesStart := start.Hour()*60 + start.Minute()
	minutesEnd := end.Hour()*60 + end.Minute()
	if minutesStart <= minutesEnd {
		return minutesNow >= minutesStart && minutesNow < minutesEnd
	}
	// window wraps past midnight
	return minutesNow >= minutesStart || minutesNow < minutesEnd
}

func checkGeo(g GeoCheck, env map[string]any) (bool, string) {
	geo, _ := env["geo"].(string)
	for _, d := range g.Deny {
		if d == geo {
			return false, fmt.Sprintf("geo %q is denylisted", geo)
		}
	}
	if len(g.Allow) > 0 {
		for _, a := range g.Allow {
			if a == geo {
				return true, ""
			}
		}
		return false, fmt.Sprintf("geo %q is not allowlisted", geo)
	}
	return true, ""
}

func checkNetworkZone(z NetworkZoneCheck, env map[string]any) (bool, string) {
	zone, _ := env["network_zone"].(string)
	for _, d := range z.Deny {
		if d == zone {
			return false, fmt.Sprintf("network zone %q is denylisted", zone)
		}
	}
	if len(z.Allow) > 0 {
		for _, a := range z.Allow {
			if a == zone {
				return true, ""
			}
		}
		return false, fmt.Sprintf("network zone %q is not allowlisted", zone)
	}
	return true, ""
}

func intAttr(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
