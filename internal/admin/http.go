/*
Kumo MTA - High-throughput outbound SMTP mail transfer agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Kumo MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// BounceAll is implemented by the queue manager: it applies a freshly
// installed bounce directive to the matching scheduled queues immediately
// instead of waiting for their next insert.
type BounceAll interface {
	ApplyBounce(entry *Entry)
	ApplyRebind(entry *Entry)
}

type directiveRequest struct {
	Campaign      *string `json:"campaign,omitempty"`
	Tenant        *string `json:"tenant,omitempty"`
	Domain        *string `json:"domain,omitempty"`
	RoutingDomain *string `json:"routing_domain,omitempty"`

	Reason   string `json:"reason"`
	Duration string `json:"duration,omitempty"`

	SuppressLogging bool `json:"suppress_logging,omitempty"`

	RebindTo map[string]string `json:"rebind_to,omitempty"`
}

func (req *directiveRequest) toEntry() (*Entry, error) {
	duration := 5 * time.Minute
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil {
			return nil, err
		}
		duration = parsed
	}
	return &Entry{
		Campaign:        req.Campaign,
		Tenant:          req.Tenant,
		Domain:          req.Domain,
		RoutingDomain:   req.RoutingDomain,
		Reason:          req.Reason,
		Expires:         time.Now().Add(duration),
		SuppressLogging: req.SuppressLogging,
		RebindTo:        req.RebindTo,
	}, nil
}

type entryView struct {
	*Entry
	Hits map[string]int64 `json:"hits"`
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func registryHandlers(r chi.Router, registry *Registry, installed func(*Entry)) {
	r.Post("/", func(w http.ResponseWriter, req *http.Request) {
		var body directiveRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entry, err := body.toEntry()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id := registry.Add(entry)
		if installed != nil {
			installed(entry)
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
	})

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		entries := registry.List()
		views := make([]entryView, 0, len(entries))
		for _, entry := range entries {
			views = append(views, entryView{Entry: entry, Hits: entry.Hits()})
		}
		writeJSON(w, http.StatusOK, views)
	})

	r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := uuid.Parse(chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if !registry.Remove(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such entry"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
	})
}

// Router builds the admin API surface. The queues argument may be nil in
// reduced deployments; directives then apply lazily on insert only.
func Router(queues BounceAll) chi.Router {
	r := chi.NewRouter()

	r.Route("/api/admin/bounce/v1", func(r chi.Router) {
		registryHandlers(r, Bounces, func(entry *Entry) {
			if queues != nil {
				queues.ApplyBounce(entry)
			}
		})
	})

	r.Route("/api/admin/suspend/v1", func(r chi.Router) {
		registryHandlers(r, Suspends, nil)
	})

	r.Route("/api/admin/rebind/v1", func(r chi.Router) {
		registryHandlers(r, Rebinds, func(entry *Entry) {
			if queues != nil {
				queues.ApplyRebind(entry)
			}
		})
	})

	r.Route("/api/admin/suspend-ready-q/v1", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				SiteName string `json:"name"`
				Reason   string `json:"reason"`
				Duration string `json:"duration,omitempty"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			duration := 5 * time.Minute
			if body.Duration != "" {
				parsed, err := time.ParseDuration(body.Duration)
				if err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				duration = parsed
			}
			id := ReadyQueueSuspends.Add(&SiteEntry{
				SiteName: body.SiteName,
				Reason:   body.Reason,
				Expires:  time.Now().Add(duration),
			})
			writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
		})

		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, ReadyQueueSuspends.List())
		})

		r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if !ReadyQueueSuspends.Remove(id) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such entry"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
		})
	})

	return r
}
