package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/zde37/ringkv/internal/client"
	"github.com/zde37/ringkv/internal/config"
	"github.com/zde37/ringkv/internal/protocol"
	"github.com/zde37/ringkv/internal/transport"
	"github.com/zde37/ringkv/pkg"
)

type globals struct {
	config.Client
	Log config.Log `kong:"embed,prefix='log-'"`
}

type putCmd struct {
	Key   string   `kong:"arg,help='Key'"`
	Value []string `kong:"arg,help='Value; several words are joined by spaces'"`
}

func (c *putCmd) Run(ctx context.Context, kv *client.Client) error {
	updated, err := kv.Put(ctx, c.Key, strings.Join(c.Value, " "))
	if err != nil {
		return err
	}
	if updated {
		fmt.Printf("%s %s\n", protocol.RespPutUpdate, c.Key)
		return nil
	}
	fmt.Printf("%s %s\n", protocol.RespPutSuccess, c.Key)
	return nil
}

type getCmd struct {
	Key string `kong:"arg,help='Key'"`
}

func (c *getCmd) Run(ctx context.Context, kv *client.Client) error {
	value, err := kv.Get(ctx, c.Key)
	if errors.Is(err, pkg.ErrKeyNotFound) {
		fmt.Printf("%s %s\n", protocol.RespGetError, c.Key)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s %s %s\n", protocol.RespGetSuccess, c.Key, value)
	return nil
}

type deleteCmd struct {
	Key string `kong:"arg,help='Key'"`
}

func (c *deleteCmd) Run(ctx context.Context, kv *client.Client) error {
	value, err := kv.Delete(ctx, c.Key)
	if errors.Is(err, pkg.ErrKeyNotFound) {
		fmt.Printf("%s %s\n", protocol.RespDeleteError, c.Key)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s %s %s\n", protocol.RespDeleteSuccess, c.Key, value)
	return nil
}

type keyRangeCmd struct{}

func (c *keyRangeCmd) Run(ctx context.Context, kv *client.Client) error {
	text, err := kv.KeyRange(ctx)
	if err != nil {
		return err
	}
	printRing(text)
	return nil
}

type keyRangeReadCmd struct{}

func (c *keyRangeReadCmd) Run(ctx context.Context, kv *client.Client) error {
	text, err := kv.KeyRangeRead(ctx)
	if err != nil {
		return err
	}
	printRing(text)
	return nil
}

type metricsCmd struct {
	Node string `kong:"help='Node to ask (ip:port), defaults to --server'"`
}

func (c *metricsCmd) Run(ctx context.Context, kv *client.Client) error {
	reply, err := kv.Call(ctx, c.Node, protocol.CmdUsageMetrics)
	if err != nil {
		return err
	}
	msg := protocol.Parse(reply)
	if msg.Command != protocol.RespUsageMetrics || msg.NArgs() != 2 {
		return fmt.Errorf("unexpected reply %q", reply)
	}
	fmt.Printf("total operations: %s\nwindow operations: %s\n", msg.Arg(0), msg.Arg(1))
	return nil
}

type frequencyTableCmd struct {
	Node string `kong:"help='Node to ask (ip:port), defaults to --server'"`
}

func (c *frequencyTableCmd) Run(ctx context.Context, kv *client.Client) error {
	reply, err := kv.Call(ctx, c.Node, protocol.CmdFrequencyTable)
	if err != nil {
		return err
	}
	msg := protocol.Parse(reply)
	if msg.Command != protocol.RespFrequencyTable {
		return fmt.Errorf("unexpected reply %q", reply)
	}
	for _, line := range strings.Split(msg.Rest(0), " | ") {
		fmt.Println(line)
	}
	return nil
}

type adminRingCmd struct {
	Address string `kong:"arg,help='gRPC admin address of a node or the coordinator (ip:port)'"`
	Token   string `kong:"help='Admin token'"`
	Nodes   bool   `kong:"help='List nodes as JSON instead of the ring text'"`
}

func (c *adminRingCmd) Run(ctx context.Context, g *globals) error {
	admin, err := transport.NewAdminClient(c.Address, c.Token, g.Timeout)
	if err != nil {
		return err
	}
	defer admin.Close()

	if c.Nodes {
		nodes, err := admin.ListNodes(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(nodes, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	text, err := admin.GetRing(ctx)
	if err != nil {
		return err
	}
	printRing(text)
	return nil
}

type cli struct {
	globals

	Put            putCmd            `kong:"cmd,help='Store a value'"`
	Get            getCmd            `kong:"cmd,help='Read a value'"`
	Delete         deleteCmd         `kong:"cmd,help='Remove a key'"`
	KeyRange       keyRangeCmd       `kong:"cmd,name='keyrange',help='Show the ring'"`
	KeyRangeRead   keyRangeReadCmd   `kong:"cmd,name='keyrange-read',help='Show the read ranges'"`
	Metrics        metricsCmd        `kong:"cmd,help='Show a node usage counters'"`
	FrequencyTable frequencyTableCmd `kong:"cmd,name='frequency-table',help='Show a node key distribution'"`
	AdminRing      adminRingCmd      `kong:"cmd,name='admin-ring',help='Query the gRPC admin service'"`
}

func printRing(text string) {
	for _, entry := range strings.Split(text, ";") {
		if entry = strings.TrimSpace(entry); entry != "" {
			fmt.Println(entry)
		}
	}
}

func main() {
	var params cli
	params.Client = *config.DefaultClient()
	params.Log = config.DefaultLog()

	k, err := kong.New(&params, kong.Name("kvclient"),
		kong.Description("Client for the ringkv store"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: false,
		}))
	if err != nil {
		panic(err)
	}
	kctx, err := k.Parse(os.Args[1:])
	if err != nil {
		k.FatalIfErrorf(err)
		return
	}

	logCfg := params.Log.LoggerConfig()
	logCfg.Console.Output = "stderr"
	logger, err := pkg.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	kv, err := client.New(&params.Client, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	defer kv.Close()

	kctx.BindTo(context.Background(), (*context.Context)(nil))
	err = kctx.Run(kv, &params.globals)
	kctx.FatalIfErrorf(err)
}
