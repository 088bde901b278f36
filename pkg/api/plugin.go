package api

import (
	"fmt"
	"net/http"
	"strconv"

	"plugin-fleet/pkg/command"
	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/reconcile"
	"plugin-fleet/pkg/workflow"
)

const defaultCommandPage = 100

func (s *Server) handleUpgradeAction(w http.ResponseWriter, r *http.Request, p Principal) {
	var req UpgradeActionRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	action, _ := model.ParseAction(req.Action)
	if action.RequiresApprover() && !p.Approver {
		s.fail(w, r, model.ErrForbidden)
		return
	}
	res, err := s.workflow.Apply(r.Context(), workflow.Request{
		UpgradeID: req.PluginUpgradeID,
		Action:    req.Action,
		Target:    model.Address(req.NodeIP),
		Actor:     p.Name,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	detail := fmt.Sprintf("%s -> %s, commands=%d", res.Previous, res.Upgrade.State, len(res.Commands))
	if req.NodeIP != "" {
		detail += ", node=" + req.NodeIP
	}
	s.audit(r.Context(), p.Name, "upgrade_"+string(action), strconv.FormatUint(res.Upgrade.ID, 10), detail)
	writeJSON(w, http.StatusOK, ActionResponse{Status: "ok", State: res.Upgrade.State})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, p Principal) {
	if !p.Approver {
		s.fail(w, r, model.ErrForbidden)
		return
	}
	var req RemovePluginRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.PluginName == "" || req.PluginVersion == "" {
		s.fail(w, r, invalid("pluginName and pluginVersion are required"))
		return
	}
	if err := s.requireCluster(r.Context(), req.ClusterID); err != nil {
		s.fail(w, r, err)
		return
	}
	cmds, err := s.dispatcher.ToCluster(r.Context(), command.Intent{
		Action:    model.ActionRemove,
		ClusterID: req.ClusterID,
		Plugin:    command.Plugin{Name: req.PluginName, Version: req.PluginVersion},
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.audit(r.Context(), p.Name, "plugin_remove", req.ClusterID,
		fmt.Sprintf("%s@%s, commands=%d", req.PluginName, req.PluginVersion, len(cmds)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, _ Principal) {
	var report model.SyncReport
	if err := decode(r, &report); err != nil {
		s.fail(w, r, err)
		return
	}
	if report.ClusterID == "" {
		s.fail(w, r, invalid("clusterId is required"))
		return
	}
	res, err := s.engine.Sync(r.Context(), report)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Status == reconcile.StatusNothingToReconcile {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	if !res.Batch.Empty() {
		actor := report.NodeIP
		if actor == "" {
			actor = "agent"
		}
		s.audit(r.Context(), actor, "plugin_sync", report.ClusterID,
			fmt.Sprintf("missing=%d", len(res.Batch.Actions[0].Plugins)))
	}
	writeJSON(w, http.StatusOK, SyncResponse{Status: 0, Response: res.Batch})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request, _ Principal) {
	q := r.URL.Query()
	clusterID, nodeIP := q.Get("clusterId"), q.Get("nodeIp")
	if clusterID == "" || nodeIP == "" {
		s.fail(w, r, invalid("clusterId and nodeIp are required"))
		return
	}
	after, err := queryUint(r, "after")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if limit == 0 {
		limit = defaultCommandPage
	}
	cmds, err := s.store.ListCommands(r.Context(), clusterID, nodeIP, after, int(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": cmds})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, p Principal) {
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("id") != "" {
			id, err := queryUint(r, "id")
			if err != nil {
				s.fail(w, r, err)
				return
			}
			up, err := s.store.GetUpgrade(r.Context(), id)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, up)
			return
		}
		items, err := s.store.ListUpgrades(r.Context(), r.URL.Query().Get("clusterId"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
	case http.MethodPost:
		var req CreateUpgradeRequest
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		if req.PluginName == "" || req.PluginVersion == "" || !req.PluginType.Valid() {
			s.fail(w, r, invalid("pluginName, pluginVersion and a valid pluginType are required"))
			return
		}
		if err := s.requireCluster(r.Context(), req.ClusterID); err != nil {
			s.fail(w, r, err)
			return
		}
		applicant := req.Applicant
		if applicant == "" {
			applicant = p.Name
		}
		up, err := s.store.CreateUpgrade(r.Context(), model.UpgradeRequest{
			ClusterID:     req.ClusterID,
			PluginName:    req.PluginName,
			PluginVersion: req.PluginVersion,
			PluginType:    req.PluginType,
			State:         model.StateNeedApproval,
			Applicant:     applicant,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.audit(r.Context(), p.Name, "upgrade_submit", strconv.FormatUint(up.ID, 10),
			fmt.Sprintf("%s %s@%s", up.ClusterID, up.PluginName, up.PluginVersion))
		writeJSON(w, http.StatusOK, up)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
