package awsiot

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPresignWebSocketURL(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 30, 45, 0, time.UTC)
	creds := Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secretkey",
		SessionToken:    "session/token+value",
	}
	signed := presignWebSocketURL("a12rqfdx55bdbv-ats.iot.eu-west-1.amazonaws.com", "eu-west-1", creds, now)

	parsed, err := url.Parse(signed)
	require.NoError(t, err)
	require.Equal(t, "wss", parsed.Scheme)
	require.Equal(t, "a12rqfdx55bdbv-ats.iot.eu-west-1.amazonaws.com", parsed.Host)
	require.Equal(t, "/mqtt", parsed.Path)

	q := parsed.Query()
	require.Equal(t, "AWS4-HMAC-SHA256", q.Get("X-Amz-Algorithm"))
	require.Equal(t, "AKIDEXAMPLE/20240315/eu-west-1/iotdevicegateway/aws4_request", q.Get("X-Amz-Credential"))
	require.Equal(t, "20240315T123045Z", q.Get("X-Amz-Date"))
	require.Equal(t, "host", q.Get("X-Amz-SignedHeaders"))
	require.Len(t, q.Get("X-Amz-Signature"), 64)
	require.Equal(t, "session/token+value", q.Get("X-Amz-Security-Token"))

	// The token must come after the signature: it is excluded from signing.
	require.Greater(t,
		strings.Index(signed, "X-Amz-Security-Token"),
		strings.Index(signed, "X-Amz-Signature"))
}

func TestPresignDeterministic(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	creds := Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"}

	a := presignWebSocketURL("broker.example.com", "eu-west-1", creds, now)
	b := presignWebSocketURL("broker.example.com", "eu-west-1", creds, now)
	require.Equal(t, a, b)

	c := presignWebSocketURL("broker.example.com", "eu-west-1", creds, now.Add(time.Second))
	require.NotEqual(t, a, c, "signature covers the timestamp")

	// No session token, no token parameter.
	require.NotContains(t, a, "X-Amz-Security-Token")
}
