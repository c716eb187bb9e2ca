package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	nse "github.com/meow-io/slick-nse"
	"github.com/meow-io/slick-nse/capability"
	"github.com/meow-io/slick-nse/config"
	"github.com/meow-io/slick-nse/envelope"
	"github.com/meow-io/slick-nse/ids"
	"github.com/meow-io/slick-nse/internal/test"
	"github.com/meow-io/slick-nse/ratchet"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type idleSource struct{}

func (idleSource) Subscribe(ctx context.Context) (<-chan capability.Location, error) {
	ch := make(chan capability.Location)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type nobody struct{}

func (nobody) SignIn(context.Context, capability.Credentials) (*capability.User, error) {
	return nil, capability.ErrSignedOut
}

func (nobody) SignOut(context.Context, *capability.User) error {
	return nil
}

func primary(t *testing.T, root, passphrase string) *nse.NSE {
	t.Helper()
	c := test.Config(config.WithRootDir(root))
	n, err := nse.New(c, nse.Dependencies{LocationSource: idleSource{}, Authenticator: nobody{}})
	require.Nil(t, err)
	key, err := n.NewKey(passphrase)
	require.Nil(t, err)
	require.Nil(t, n.Initialize(key))
	return n
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := run(cmd)
	return stdout.String(), stderr.String(), err
}

func TestProcessAndInspect(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	id := ids.NewID()
	secret := bytes.Repeat([]byte{4}, 32)
	pair, err := ratchet.GenerateKeyPair()
	require.Nil(err)
	dir := "test-cli-" + id.String()[:8]
	aliceRoot := filepath.Join(dir, "alice")
	bobRoot := filepath.Join(dir, "bob")

	alice := primary(t, aliceRoot, "alice")
	defer func() { require.Nil(alice.Shutdown()) }()
	require.Nil(alice.Sessions.CreateInitiator(ctx, id, secret, pair.PublicKey()))

	bob := primary(t, bobRoot, "bob")
	require.Nil(bob.Sessions.CreateResponder(ctx, id, secret, pair))
	require.Nil(bob.Shutdown())

	var files []string
	for i, body := range []string{"hello bob", "group renamed"} {
		pt := envelope.PayloadChatMessage
		if i == 1 {
			pt = envelope.PayloadGroupUpdate
		}
		env, err := alice.Envelopes.Seal(ctx, id, "", pt, []byte(body))
		require.Nil(err)
		raw, err := envelope.Encode(env)
		require.Nil(err)
		f := filepath.Join(dir, env.ID+".cbor")
		require.Nil(os.WriteFile(f, raw, 0o600))
		files = append(files, f)
	}

	stdout, stderr, err := execute(t, append([]string{"process", "--root", bobRoot, "-p", "bob"}, files...)...)
	require.Nil(err, stderr)
	require.Contains(stdout, "chat-message: hello bob")
	require.Contains(stdout, "group-update: group renamed")
	require.Equal(2, strings.Count(stderr, "delivered"))

	// redelivery is reported, not delivered again
	stdout, stderr, err = execute(t, "process", "--root", bobRoot, "-p", "bob", files[0])
	require.Nil(err)
	require.Empty(stdout)
	require.Contains(stderr, "duplicate")

	stdout, _, err = execute(t, "session", "show", id.String(), "--root", bobRoot, "-p", "bob")
	require.Nil(err)
	require.Contains(stdout, "received:          2")
	require.Contains(stdout, "can send:          true")

	stdout, _, err = execute(t, "envelopes", "--state", "processed", "--root", bobRoot, "-p", "bob")
	require.Nil(err)
	require.Equal(2, strings.Count(stdout, "processed"))

	stdout, _, err = execute(t, "session", "list", "--root", bobRoot, "-p", "bob")
	require.Nil(err)
	require.Equal(id.String()+"\n", stdout)

	_, _, err = execute(t, "session", "delete", id.String(), "--root", bobRoot, "-p", "bob")
	require.Nil(err)
	stdout, _, err = execute(t, "session", "list", "--root", bobRoot, "-p", "bob")
	require.Nil(err)
	require.Empty(stdout)

	_, _, err = execute(t, "prune", "--root", bobRoot)
	require.NotNil(err)
}
