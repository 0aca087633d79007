package node

import (
	"crypto/rand"
	"encoding/base32"
	"peersync/internal/syncerr"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	ticketPrefix  = "psync1"
	ticketVersion = 1
	secretSize    = 32
)

var ticketEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Ticket is the bearer capability for one shared workspace document. Anyone
// holding it can read and write the log and its blobs.
type Ticket struct {
	Version   int      `json:"v"`
	Namespace string   `json:"ns"`
	Secret    []byte   `json:"secret"`
	Creator   string   `json:"creator"`
	Addrs     []string `json:"addrs,omitempty"`
}

func NewTicket(creator string, addrs ...string) (Ticket, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return Ticket{}, syncerr.Wrap(syncerr.KindInitialization, "generate secret", err)
	}

	return Ticket{
		Version:   ticketVersion,
		Namespace: uuid.NewString(),
		Secret:    secret,
		Creator:   creator,
		Addrs:     addrs,
	}, nil
}

// WithAddrs returns a copy of t advertising addrs.
func (t Ticket) WithAddrs(addrs ...string) Ticket {
	t.Secret = slices.Clone(t.Secret)
	t.Addrs = slices.Clone(addrs)
	return t
}

func (t Ticket) String() string {
	payload, _ := json.Marshal(t)
	return ticketPrefix + strings.ToLower(ticketEncoding.EncodeToString(payload))
}

func ParseTicket(s string) (Ticket, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, ticketPrefix) {
		return Ticket{}, syncerr.New(syncerr.KindDocument, "parse ticket", "missing %q prefix", ticketPrefix)
	}

	payload, err := ticketEncoding.DecodeString(strings.ToUpper(strings.TrimPrefix(s, ticketPrefix)))
	if err != nil {
		return Ticket{}, syncerr.Wrap(syncerr.KindDocument, "parse ticket", err)
	}

	var t Ticket
	if err := json.Unmarshal(payload, &t); err != nil {
		return Ticket{}, syncerr.Wrap(syncerr.KindDocument, "parse ticket", err)
	}

	switch {
	case t.Version != ticketVersion:
		return Ticket{}, syncerr.New(syncerr.KindDocument, "parse ticket", "unsupported ticket version %d", t.Version)
	case t.Namespace == "":
		return Ticket{}, syncerr.New(syncerr.KindDocument, "parse ticket", "missing namespace")
	case len(t.Secret) < secretSize:
		return Ticket{}, syncerr.New(syncerr.KindDocument, "parse ticket", "secret too short")
	case t.Creator == "":
		return Ticket{}, syncerr.New(syncerr.KindDocument, "parse ticket", "missing creator")
	}

	return t, nil
}
