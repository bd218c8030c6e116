// ABOUTME: Relay information document served on GET / with Accept: application/nostr+json
// ABOUTME: Advertises identity, supported protocol features and the limits clients must respect

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/2389/coven-relay/internal/relay"
)

// InfoContentType is the media type of the relay information document.
const InfoContentType = "application/nostr+json"

// supportedNIPs lists the protocol features this relay implements: basic
// records and subscriptions, deletions, this document and client auth.
var supportedNIPs = []int{1, 9, 11, 42}

// Info is the relay information document.
type Info struct {
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Contact       string     `json:"contact,omitempty"`
	SupportedNIPs []int      `json:"supported_nips"`
	Software      string     `json:"software"`
	Version       string     `json:"version"`
	Limitation    Limitation `json:"limitation"`
}

// Limitation describes the limits enforced on clients.
type Limitation struct {
	MaxMessageLength int64 `json:"max_message_length"`
	MaxSubscriptions int   `json:"max_subscriptions"`
	MaxFilters       int   `json:"max_filters"`
	MaxLimit         int   `json:"max_limit"`
	DefaultLimit     int   `json:"default_limit"`
	MaxSubIDLength   int   `json:"max_subid_length"`
	MaxContentLength int   `json:"max_content_length"`
	AuthRequired     bool  `json:"auth_required"`
	RestrictedWrites bool  `json:"restricted_writes"`
}

// Info builds the information document from the running configuration.
func (g *Gateway) Info() Info {
	cfg := g.config
	return Info{
		Name:          cfg.Server.Name,
		Description:   cfg.Server.Description,
		Contact:       cfg.Server.Contact,
		SupportedNIPs: supportedNIPs,
		Software:      "https://github.com/2389/coven-relay",
		Version:       Version,
		Limitation: Limitation{
			MaxMessageLength: cfg.Server.MaxMessageBytes,
			MaxSubscriptions: cfg.Server.MaxSubscriptions,
			MaxFilters:       cfg.Server.MaxFilters,
			MaxLimit:         cfg.Limits.QueryCap,
			DefaultLimit:     cfg.Limits.DefaultLimit,
			MaxSubIDLength:   relay.MaxSubIDLength,
			MaxContentLength: cfg.Limits.MaxContentBytes,
			AuthRequired:     cfg.Auth.Required,
			RestrictedWrites: !cfg.Auth.PermitUnlisted,
		},
	}
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", InfoContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Accept")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := json.NewEncoder(w).Encode(g.Info()); err != nil {
		g.logger.Warn("writing relay info", "error", err)
	}
}
