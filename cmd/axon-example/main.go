package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/axonconnect/connector-go/axonpb"
	connector "github.com/axonconnect/connector-go/client"
	"github.com/axonconnect/connector-go/command"
	"github.com/axonconnect/connector-go/config"
	"github.com/axonconnect/connector-go/payload"
)

// newCommandStub and newQueryStub construct the generated Command/Query
// service clients against a dialed transport. Stub generation from the
// AxonServer .proto definitions is explicitly out of scope for this
// connector (see DESIGN.md); an embedding application supplies its own
// generated axonpb.CommandServiceClient/QueryServiceClient here.
var (
	newCommandStub func(*grpc.ClientConn) axonpb.CommandServiceClient
	newQueryStub   func(*grpc.ClientConn) axonpb.QueryServiceClient
)

// LogConfig mirrors the teacher's mbp.LogConfig shape, narrowed to the one
// field this example actually exposes.
type LogConfig struct {
	Level string `long:"level" env:"LEVEL" default:"info" description:"Logging level"`
}

func (cfg LogConfig) apply() {
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
}

var Config = new(struct {
	Address       string `long:"address" env:"ADDRESS" default:"localhost:8124" description:"AxonServer gRPC address"`
	ClientId      string `long:"client-id" env:"CLIENT_ID" required:"true" description:"Unique id of this connector instance"`
	ComponentName string `long:"component" env:"COMPONENT" required:"true" description:"Logical component name shared by every instance of this application"`
	Log           LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func dialConnector(ctx context.Context) (*connector.Connector, error) {
	if newCommandStub == nil || newQueryStub == nil {
		return nil, fmt.Errorf("axon-example: no generated axonpb stub constructors wired (see DESIGN.md)")
	}

	var transport, err = connector.Dial(ctx, Config.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	var identity = connector.Identity{ClientId: Config.ClientId, ComponentName: Config.ComponentName}
	var cfg = config.DefaultClientConfig(Config.ClientId, Config.ComponentName)
	var c = connector.New(transport, newCommandStub(transport.Conn()), newQueryStub(transport.Conn()), identity, cfg)
	return c, c.Connect(ctx)
}

type cmdSend struct {
	Name        string `long:"name" description:"Command name to dispatch"`
	PayloadType string `long:"payload-type" default:"axonexample.v1.Payload" description:"Wire PayloadType to encode/decode the command body as"`
	Payload     string `long:"payload" description:"Command payload, as a JSON document"`
}

func (cmd *cmdSend) Execute([]string) error {
	Config.Log.apply()
	var ctx = context.Background()

	var c, err = dialConnector(ctx)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	var codec = payload.JSON(cmd.PayloadType)

	var body interface{}
	if err := json.Unmarshal([]byte(cmd.Payload), &body); err != nil {
		return errors.Wrap(err, "axon-example: --payload must be a JSON document")
	}
	var encoded, encErr = codec.Marshal(body)
	if encErr != nil {
		return encErr
	}

	var result = c.Command.SendCommand(ctx, command.Command{
		Name:        cmd.Name,
		PayloadType: codec.PayloadType(),
		Payload:     encoded,
	})
	var resp, sendErr = result.Wait()
	if sendErr != nil {
		return sendErr
	}

	var registry = payload.NewRegistry(codec)
	var decoded interface{}
	if decErr := registry.Decode(resp.PayloadType, resp.Payload, &decoded); decErr != nil {
		log.WithError(decErr).WithField("payloadType", resp.PayloadType).Warn("command response carried an unrecognized payload type")
		return nil
	}
	log.WithFields(log.Fields{"payloadType": resp.PayloadType, "payload": decoded}).Info("command response")
	return nil
}

type cmdRegister struct {
	Name        string `long:"name" description:"Command name to handle"`
	PayloadType string `long:"payload-type" default:"axonexample.v1.Payload" description:"Wire PayloadType this handler knows how to decode"`
	LoadFactor  int32  `long:"load-factor" default:"100" description:"Relative share of this name's traffic this instance accepts"`
}

func (cmd *cmdRegister) Execute([]string) error {
	Config.Log.apply()
	var ctx = context.Background()

	var c, err = dialConnector(ctx)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	var codec = payload.JSON(cmd.PayloadType)
	var registry = payload.NewRegistry(codec)

	var handler = func(ctx context.Context, cmd command.Command) (command.Response, error) {
		var body interface{}
		if decErr := registry.Decode(cmd.PayloadType, cmd.Payload, &body); decErr != nil {
			log.WithError(decErr).WithField("payloadType", cmd.PayloadType).Warn("command carried an unrecognized payload type; echoing raw")
			return command.Response{PayloadType: cmd.PayloadType, Payload: cmd.Payload}, nil
		}

		log.WithFields(log.Fields{"name": cmd.Name, "messageId": cmd.MessageId, "payload": body}).Info("handling command")

		var encoded, encErr = codec.Marshal(body)
		if encErr != nil {
			return command.Response{}, encErr
		}
		return command.Response{PayloadType: codec.PayloadType(), Payload: encoded}, nil
	}

	var registration, regErr = c.Command.RegisterHandler(handler, cmd.LoadFactor, cmd.Name)
	if regErr != nil {
		return regErr
	}
	defer registration.Cancel()

	var sig = make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-c.Stopping():
	}
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	var _, err = parser.AddCommand("send", "Send a command",
		"Dispatch a single command and print its response", &cmdSend{})
	if err != nil {
		log.WithError(err).Fatal("failed to add send command")
	}

	if _, err := parser.AddCommand("register", "Register a command handler",
		"Subscribe a handler for a command name and block until interrupted", &cmdRegister{}); err != nil {
		log.WithError(err).Fatal("failed to add register command")
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("command failed")
	}
}
