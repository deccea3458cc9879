// Package serve runs a loopback demo: a request handler and a dialed
// client share an in-memory channel, which exercises the full stack
// (framing, optional encryption, dispatch) without a real project.
package serve

import (
	"fmt"
	"time"

	"github.com/TheCommCraft/scratchcommunication/channel"
	"github.com/TheCommCraft/scratchcommunication/client"
	"github.com/TheCommCraft/scratchcommunication/config"
	"github.com/TheCommCraft/scratchcommunication/request"
	"github.com/TheCommCraft/scratchcommunication/security"
	"github.com/TheCommCraft/scratchcommunication/socket"
	"github.com/TheCommCraft/scratchcommunication/tools"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile string
	secure     bool
	duration   time.Duration

	Cmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a loopback echo/add server for manual testing",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
)

func init() {
	Cmd.Flags().StringVarP(&configFile, "config", "c",
		tools.GetenvDefault(config.EnvPrefix+"CONFIG", ""),
		"socket config file (defaults apply if omitted)")
	Cmd.Flags().BoolVar(&secure, "secure", false, "negotiate the security layer on the demo connection")
	Cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to serve")
}

func run(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "serve").Logger()

	conf := &config.Socket{}
	if configFile != "" {
		loaded, err := config.LoadSocketConfig(configFile)
		if err != nil {
			return err
		}
		conf = loaded
	}
	conf.ApplyDefaults()

	var keys *security.KeyPair
	if secure {
		var err error
		keys, err = security.Generate(security.Policy{})
		if err != nil {
			return fmt.Errorf("generate demo keys: %w", err)
		}
	}

	ch := channel.NewMemory(conf.PacketSize, "demo-user")
	defer ch.Close()

	sock := socket.New(ch, conf, keys, logger).Listen()
	defer sock.Stop()

	handler := request.New(sock, nil, logger)
	if err := handler.Add("echo", func(s string) string { return s }); err != nil {
		return err
	}
	err := handler.Add("add", func(a, b int) int { return a + b },
		request.AutoConvert(), request.WithParamNames("a", "b"))
	if err != nil {
		return err
	}

	handler.Start(request.WithDuration(duration))
	defer handler.Stop()

	// Dial the loopback client and issue a few requests.
	var conn *client.Conn
	if secure {
		conn, err = client.DialSecure(ch, conf, "demo-user", keys.Public(), logger)
	} else {
		conn, err = client.Dial(ch, conf, "demo-user", logger)
	}
	if err != nil {
		return fmt.Errorf("dial loopback: %w", err)
	}
	defer conn.Close()

	for _, req := range []string{`echo("hello cloud")`, `add(2, 3)`} {
		if err := conn.Send(req); err != nil {
			return fmt.Errorf("send %q: %w", req, err)
		}
		resp, err := conn.Recv(5 * time.Second)
		if err != nil {
			return fmt.Errorf("recv response for %q: %w", req, err)
		}
		logger.Info().Str("request", req).Str("response", resp).Msg("round trip")
	}

	logger.Info().Dur("duration", duration).Msg("serving until deadline")
	time.Sleep(duration)
	return nil
}
