package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"plugin-fleet/pkg/model"
)

// DiagnoseResult captures a single check outcome.
type DiagnoseResult struct {
	Check    string `json:"check"`
	Severity string `json:"severity"` // ok/warn/fail/info
	Detail   string `json:"detail"`
}

type DiagnoseResponse struct {
	ClusterID string           `json:"clusterId"`
	Summary   string           `json:"summary"`
	Results   []DiagnoseResult `json:"results"`
	Timestamp time.Time        `json:"timestamp"`
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request, _ Principal) {
	clusterID := r.URL.Query().Get("clusterId")
	if clusterID == "" {
		s.fail(w, r, invalid("clusterId is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.diagnoseCluster(r.Context(), clusterID))
}

func (s *Server) diagnoseCluster(ctx context.Context, clusterID string) DiagnoseResponse {
	resp := DiagnoseResponse{ClusterID: clusterID, Timestamp: time.Now()}
	add := func(check, severity, detail string) {
		resp.Results = append(resp.Results, DiagnoseResult{Check: check, Severity: severity, Detail: detail})
	}

	if err := s.store.Ping(ctx); err != nil {
		add("store", "fail", err.Error())
	}
	nodes, err := s.store.NodeAddresses(ctx, clusterID)
	if err != nil {
		add("cluster", "fail", err.Error())
		resp.Summary = highestSeverity(resp.Results)
		return resp
	}

	physical := 0
	for _, n := range nodes {
		if !n.IsPlaceholder() {
			physical++
		}
	}
	switch {
	case physical == 0:
		add("nodes", "warn", "cluster has no addressable node; commands will not be delivered")
	default:
		add("nodes", "ok", fmt.Sprintf("%d node(s)", physical))
	}
	if slots := len(nodes) - physical; slots > 0 {
		add("placeholder slots", "info", fmt.Sprintf("%d slot(s) without address are skipped", slots))
	}

	connected := s.hub.Connected(clusterID)
	if connected < physical {
		add("agent push", "warn", fmt.Sprintf("%d of %d agent(s) connected; others rely on polling", connected, physical))
	} else if physical > 0 {
		add("agent push", "ok", "all agents connected")
	}

	ups, err := s.store.ListUpgrades(ctx, clusterID)
	if err != nil {
		add("upgrade requests", "fail", err.Error())
	} else {
		var open []string
		for _, u := range ups {
			if u.Finished() {
				continue
			}
			desc := fmt.Sprintf("#%d %s@%s=%s", u.ID, u.PluginName, u.PluginVersion, u.State)
			if grey := u.GreyNodes(); len(grey) > 0 {
				desc += fmt.Sprintf(" (canary on %s)", strings.Join(grey, " "))
			}
			open = append(open, desc)
		}
		if len(open) > 0 {
			add("upgrade requests", "info", strings.Join(open, ", "))
		}
	}

	desired, err := s.store.ListDesired(ctx, clusterID)
	if err != nil {
		add("desired plugins", "fail", err.Error())
	} else {
		add("desired plugins", "info", describeDesired(desired))
	}

	resp.Summary = highestSeverity(resp.Results)
	return resp
}

func describeDesired(desired []model.DesiredPlugin) string {
	if len(desired) == 0 {
		return "none; agents receive nothing to reconcile"
	}
	parts := make([]string, 0, len(desired))
	for _, d := range desired {
		parts = append(parts, d.PluginName+"@"+d.PluginVersion)
	}
	return strings.Join(parts, ", ")
}

func highestSeverity(results []DiagnoseResult) string {
	level := map[string]int{"fail": 3, "warn": 2, "ok": 1, "info": 0}
	maxL := 0
	for _, r := range results {
		if l := level[r.Severity]; l > maxL {
			maxL = l
		}
	}
	switch maxL {
	case 3:
		return "failures found"
	case 2:
		return "warnings found"
	default:
		return "all checks passed"
	}
}
