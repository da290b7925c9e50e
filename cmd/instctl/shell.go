package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/command"
	"github.com/arloliu/go-instr/instr"
	"github.com/arloliu/go-instr/transport/lan"
)

var errUsage = errors.New("usage")

// shell runs instctl commands against a client.
type shell struct {
	client    *instr.Client
	instances *catalog.Instances
	out       io.Writer
	lanOpts   []lan.DiscoverOption
}

func newShell(client *instr.Client, instances *catalog.Instances, out io.Writer) *shell {
	return &shell{client: client, instances: instances, out: out}
}

// Run reads commands from a readline prompt until quit, EOF or ctx is done.
func (s *shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "instr> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    s.completer(),
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	s.out = rl.Stdout()
	s.printHelp()

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" || line == "q" {
			return nil
		}

		if err := s.exec(ctx, line); err != nil {
			fmt.Fprintln(s.out, "error:", err)
		}
	}
}

func (s *shell) completer() *readline.PrefixCompleter {
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("parse"),
		readline.PcItem("probe"),
		readline.PcItem("raw"),
		readline.PcItem("discover", readline.PcItem("lan"), readline.PcItem("usb")),
		readline.PcItem("sessions"),
		readline.PcItem("close"),
		readline.PcItem("instances"),
		readline.PcItem("quit"),
	}

	var models []readline.PrefixCompleterInterface
	if cat := s.client.Catalog(); cat != nil {
		for _, m := range cat.Models() {
			models = append(models, readline.PcItem(m.ID))
		}
	}
	items = append(items,
		readline.PcItem("catalog", models...),
		readline.PcItem("compose", models...),
		readline.PcItem("exec"),
	)

	return readline.NewPrefixCompleter(items...)
}

func (s *shell) printHelp() {
	fmt.Fprint(s.out, `
Commands:
  catalog [model]                          list the catalog, or the commands of a model
  compose <model> <medium> [key=value...]  compose an address with the model defaults
  parse <address>                          show the canonical form and fields of an address
  probe <address|instance>                 open the session and query *IDN?
  exec <instance> <command> [key=value...]
  exec <address> <model> <command> [key=value...]
                                           run a catalog command
  raw <address|instance> <mnemonic...>     send a raw command; queries (with '?') read one line
  discover [lan|usb]                       list discoverable instruments
  instances                                list configured instrument instances
  sessions                                 list open sessions
  close <address|instance>                 close a session
  quit
`)
}

// exec runs one command line.
func (s *shell) exec(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		s.printHelp()
	case "catalog":
		err = s.cmdCatalog(args)
	case "compose":
		err = s.cmdCompose(args)
	case "parse":
		err = s.cmdParse(args)
	case "probe":
		err = s.cmdProbe(ctx, args)
	case "exec":
		err = s.cmdExec(ctx, args)
	case "raw":
		err = s.cmdRaw(ctx, args, strings.Join(parts[min(2, len(parts)):], " "))
	case "discover":
		err = s.cmdDiscover(ctx, args)
	case "instances":
		err = s.cmdInstances()
	case "sessions":
		s.cmdSessions()
	case "close":
		err = s.cmdClose(args)
	default:
		return fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}

	if errors.Is(err, errUsage) {
		return fmt.Errorf("usage: %s", usage[cmd])
	}

	return err
}

var usage = map[string]string{
	"catalog": "catalog [model]",
	"compose": "compose <model> <medium> [key=value...]",
	"parse":   "parse <address>",
	"probe":   "probe <address|instance>",
	"exec":    "exec <instance> <command> [key=value...] | exec <address> <model> <command> [key=value...]",
	"raw":     "raw <address|instance> <mnemonic...>",
	"close":   "close <address|instance>",
}

func (s *shell) catalog() (*catalog.Catalog, error) {
	cat := s.client.Catalog()
	if cat == nil {
		return nil, instr.ErrNoCatalog
	}

	return cat, nil
}

func (s *shell) cmdCatalog(args []string) error {
	cat, err := s.catalog()
	if err != nil {
		return err
	}

	if len(args) == 0 {
		tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TYPE\tSERIES\tMODEL\tMEDIA")
		for _, typ := range cat.Types() {
			for _, series := range cat.Series(typ) {
				for _, m := range series.Models {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", typ, series.Label(), m.ID, mediaList(m.Media()))
				}
			}
		}

		return tw.Flush()
	}

	model, err := cat.Resolve(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "%s (%s, %s)\n", model.Label(), model.Type(), model.Series().Label())
	fmt.Fprintf(s.out, "media: %s\n", mediaList(model.Media()))
	if chans := model.Channels(); len(chans) > 0 {
		ids := make([]string, len(chans))
		for i, ch := range chans {
			ids[i] = ch.ID
		}
		fmt.Fprintf(s.out, "channels: %s\n", strings.Join(ids, ", "))
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMMAND\tMNEMONIC\tPARAMS\tRESPONSE")
	for _, name := range model.CommandNames() {
		spec, err := model.Command(name)
		if err != nil {
			return err
		}
		params := make([]string, len(spec.Params))
		for i, p := range spec.Params {
			params[i] = p.Name + ":" + string(p.Type)
			if p.Optional {
				params[i] = "[" + params[i] + "]"
			}
		}
		resp := string(spec.Response.Shape)
		if spec.Response.Type != "" {
			resp += " " + string(spec.Response.Type)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, spec.Mnemonic, strings.Join(params, " "), resp)
	}

	return tw.Flush()
}

func mediaList(media []address.Medium) string {
	names := make([]string, len(media))
	for i, m := range media {
		names[i] = m.String()
	}

	return strings.Join(names, ",")
}

func (s *shell) cmdCompose(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	cat, err := s.catalog()
	if err != nil {
		return err
	}

	model, err := cat.Resolve(args[0])
	if err != nil {
		return err
	}
	medium, err := address.ParseMedium(args[1])
	if err != nil {
		return err
	}

	kv, err := parseKeyValues(args[2:])
	if err != nil {
		return err
	}
	fields := make(address.Fields, len(kv))
	for k, v := range kv {
		fields[k] = v
	}

	addr, err := instr.ComposeFor(model, medium, fields)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, addr)

	return nil
}

func (s *shell) cmdParse(args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	addr, err := address.Parse(args[0])
	if err != nil {
		return err
	}

	fields := addr.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(s.out, "%s (%s)\n", addr, addr.Medium())
	for _, k := range keys {
		fmt.Fprintf(s.out, "  %s=%s\n", k, fields[k])
	}

	return nil
}

// target resolves an instance name or an address string.
func (s *shell) target(arg string) (address.Address, *catalog.Model, error) {
	if s.instances != nil {
		if inst, err := s.instances.Find(arg); err == nil {
			model, addr, err := instr.ResolveInstance(s.client.Catalog(), inst)
			return addr, model, err
		}
	}

	addr, err := address.Parse(arg)

	return addr, nil, err
}

func (s *shell) cmdProbe(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	addr, _, err := s.target(args[0])
	if err != nil {
		return err
	}

	id, err := s.client.Probe(ctx, addr)
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "manufacturer: %s\nmodel: %s\nserial: %s\nfirmware: %s\n",
		id.Manufacturer, id.Model, id.Serial, id.Firmware)
	if m, ok := instr.MatchModel(s.client.Catalog(), id); ok {
		fmt.Fprintf(s.out, "catalog: %s/%s/%s\n", m.Type(), m.Series().ID, m.ID)
	}

	return nil
}

func (s *shell) cmdExec(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errUsage
	}

	addr, model, err := s.target(args[0])
	if err != nil {
		return err
	}

	rest := args[1:]
	modelRef := ""
	if model != nil {
		modelRef = model.ID
	} else {
		if len(rest) < 2 {
			return errUsage
		}
		modelRef, rest = rest[0], rest[1:]
	}

	kv, err := parseKeyValues(rest[1:])
	if err != nil {
		return err
	}
	cmdArgs := make(command.Args, len(kv))
	for k, v := range kv {
		cmdArgs[k] = v
	}

	resp, err := s.client.ExecuteModel(ctx, addr, modelRef, rest[0], cmdArgs)
	if err != nil {
		return err
	}
	s.printResponse(resp)

	return nil
}

func (s *shell) cmdRaw(ctx context.Context, args []string, mnemonic string) error {
	if len(args) < 2 {
		return errUsage
	}
	addr, _, err := s.target(args[0])
	if err != nil {
		return err
	}

	shape := catalog.ShapeNone
	if strings.Contains(mnemonic, "?") {
		shape = catalog.ShapeScalar
	}

	resp, err := s.client.Execute(ctx, addr, command.Raw(mnemonic, shape), nil, s.client.PolicyFor(addr.Medium()))
	if err != nil {
		return err
	}
	s.printResponse(resp)

	return nil
}

func (s *shell) printResponse(resp *command.Response) {
	fmt.Fprintf(s.out, "%s  (%s)\n", resp, resp.Elapsed.Round(time.Microsecond))
}

func (s *shell) cmdDiscover(ctx context.Context, args []string) error {
	which := "all"
	if len(args) > 0 {
		which = strings.ToLower(args[0])
	}

	if which != "all" && which != "lan" && which != "usb" {
		return fmt.Errorf("usage: discover [lan|usb]")
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tADDRESS\tDETAIL")

	var errs []error
	if which == "all" || which == "lan" {
		found, err := s.client.DiscoverLAN(ctx, s.lanOpts...)
		errs = append(errs, err)
		for _, inst := range found {
			addr := "-"
			if !inst.Address.IsZero() {
				addr = inst.Address.String()
			}
			fmt.Fprintf(tw, "lan\t%s\t%s (%s)\n", addr, inst.Instance, inst.Host)
		}
	}
	if which == "all" || which == "usb" {
		found, err := s.client.ListUSB()
		errs = append(errs, err)
		for _, inst := range found {
			kind := "usbtmc"
			if inst.CDC {
				kind = "cdc"
			}
			fmt.Fprintf(tw, "usb\t%s\t%s %s\n", inst.Address, kind, inst.Path)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	return errors.Join(errs...)
}

func (s *shell) cmdInstances() error {
	if s.instances == nil {
		return errors.New("no instance file configured")
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODEL\tADDRESS\tCHANNELS")
	for _, inst := range s.instances.Instruments {
		chans := make([]string, 0, len(inst.ChannelAssignments))
		for _, a := range inst.ChannelAssignments {
			chans = append(chans, a.Name()+"="+a.Channel())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", inst.Name, inst.GenericID, inst.Address, strings.Join(chans, " "))
	}

	return tw.Flush()
}

func (s *shell) cmdSessions() {
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tSTATE\tREFS\tQUEUED\tEXCHANGES\tIDLE")
	for _, info := range s.client.Manager().Sessions() {
		idle := "-"
		if !info.LastUsed.IsZero() {
			idle = time.Since(info.LastUsed).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			info.Address, info.State, info.Refs, info.Queued, info.Exchanges, idle)
	}
	_ = tw.Flush()
}

func (s *shell) cmdClose(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	addr, _, err := s.target(args[0])
	if err != nil {
		return err
	}

	return s.client.Manager().Close(addr)
}

// parseKeyValues parses key=value arguments.
func parseKeyValues(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not key=value", a)
		}
		out[k] = v
	}

	return out, nil
}
