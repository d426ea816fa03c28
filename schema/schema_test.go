package schema

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const personSchema = `{"type":"record","name":"Person","fields":[{"name":"name","type":"string"},{"name":"age","type":"int"},{"name":"nick","type":["null","string"],"default":null}]}`

// fakeRegistry answers the two lookups the codec performs.
func fakeRegistry(t *testing.T) *httptest.Server {
	t.Helper()
	quoted, err := json.Marshal(personSchema)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.schemaregistry.v1+json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/schemas/ids/7"):
			fmt.Fprintf(w, `{"schema":%s}`, quoted)
		case strings.HasPrefix(r.URL.Path, "/subjects/people-value/versions/"):
			fmt.Fprintf(w, `{"subject":"people-value","version":1,"id":7,"schema":%s}`, quoted)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_code":40401,"message":"not found"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUninitializedRegistry(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	_, ok := r.Decode(ctx, []byte{0, 0, 0, 0, 7, 1})
	require.False(t, ok)

	_, ok, err := r.Encode(ctx, map[string]any{"name": "x"})
	require.NoError(t, err)
	require.False(t, ok)

	err = r.SetEncodeSchema(ctx, Subject{Subject: "people-value"})
	require.ErrorIs(t, err, ErrNotInitialized)
	var se *Error
	require.True(t, errors.As(err, &se))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	srv := fakeRegistry(t)
	r := NewRegistry()
	ctx := context.Background()

	msg, err := r.Init(ctx, Options{URL: srv.URL, Encode: &Subject{Subject: "people-value"}})
	require.NoError(t, err)
	require.Equal(t, "Initializing schema registry at "+srv.URL, msg)
	require.Equal(t, 7, r.ActiveSchemaID())

	msg, err = r.Init(ctx, Options{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "Schema registry already initialized", msg)

	// Numbers arrive as float64 from JSON request bodies.
	b, ok, err := r.Encode(ctx, map[string]any{"name": "ada", "age": float64(36), "nick": "countess"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0, 0, 0, 0, 7}, b[:5])

	decoded, ok := r.Decode(ctx, b)
	require.True(t, ok)
	m, isMap := decoded.(map[string]any)
	require.True(t, isMap)
	require.Equal(t, "ada", m["name"])
	require.Equal(t, "36", fmt.Sprint(m["age"]))
}

func TestDecodeIgnoresUnframedPayloads(t *testing.T) {
	srv := fakeRegistry(t)
	r := NewRegistry()
	ctx := context.Background()
	_, err := r.Init(ctx, Options{URL: srv.URL})
	require.NoError(t, err)

	_, ok := r.Decode(ctx, []byte(`{"plain":"json"}`))
	require.False(t, ok)

	// Framed with an id the registry does not know.
	_, ok = r.Decode(ctx, []byte{0, 0, 0, 0, 9, 2, 3})
	require.False(t, ok)
}

func TestEncodeWithUnknownSubject(t *testing.T) {
	srv := fakeRegistry(t)
	r := NewRegistry()
	ctx := context.Background()
	_, err := r.Init(ctx, Options{URL: srv.URL})
	require.NoError(t, err)

	_, err = r.EncodeWith(ctx, "x", Subject{Subject: "missing", Version: 2})
	var se *Error
	require.True(t, errors.As(err, &se))
}
