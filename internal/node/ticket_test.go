package node

import (
	"errors"
	"peersync/internal/syncerr"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketRoundTrip(t *testing.T) {
	ticket, err := NewTicket("node-a", "10.0.0.1:9100")
	require.NoError(t, err)

	raw := ticket.WithAddrs("10.0.0.1:9100", "10.0.0.2:9100").String()
	assert.True(t, strings.HasPrefix(raw, "psync1"))
	assert.Equal(t, strings.ToLower(raw), raw)

	got, err := ParseTicket("  " + raw + "\n")
	require.NoError(t, err)
	assert.Equal(t, ticket.Namespace, got.Namespace)
	assert.Equal(t, ticket.Secret, got.Secret)
	assert.Equal(t, "node-a", got.Creator)
	assert.Equal(t, []string{"10.0.0.1:9100", "10.0.0.2:9100"}, got.Addrs)
	assert.Equal(t, raw, got.String())
}

func TestParseTicketRejects(t *testing.T) {
	valid, err := NewTicket("node-a")
	require.NoError(t, err)

	short := valid
	short.Secret = short.Secret[:8]

	noNamespace := valid
	noNamespace.Namespace = ""

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"wrong prefix", "abc" + valid.String()},
		{"bad encoding", "psync1!!!!"},
		{"not json", "psync1" + strings.ToLower(ticketEncoding.EncodeToString([]byte("hello")))},
		{"short secret", short.String()},
		{"missing namespace", noNamespace.String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTicket(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, syncerr.Document))
		})
	}
}

func TestAuthenticator(t *testing.T) {
	ticket, err := NewTicket("node-a")
	require.NoError(t, err)

	token, err := NewAuthenticator(ticket, "node-b").Sign()
	require.NoError(t, err)

	subject, err := NewAuthenticator(ticket, "node-a").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "node-b", subject)

	other, err := NewTicket("node-a")
	require.NoError(t, err)

	_, err = NewAuthenticator(other, "node-a").Verify(token)
	assert.Error(t, err)

	_, err = NewAuthenticator(ticket, "node-a").Verify("garbage")
	assert.Error(t, err)
}
