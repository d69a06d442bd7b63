// Package coordinator contains the CLI of the ceremony coordinator: the
// daemon entrypoint plus thin operational commands talking to a running
// daemon over its HTTP API.
package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/zkceremony/coordinator/fs"
)

// default output of the operational commands. The daemon uses its own
// logging mechanism.
var output io.Writer = os.Stdout

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.version=`git describe --tags`"
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

func banner() {
	fmt.Fprintf(output, "zkceremony coordinator %v (date %v, commit %v)\n", version, buildDate, gitCommit)
}

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: DefaultDataFolder(),
	Usage: "Folder holding the coordinator's persistent state, with absolute path.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level.",
}

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "Log in JSON format.",
}

var listenFlag = &cli.StringFlag{
	Name:  "listen",
	Value: "localhost:8080",
	Usage: "Set the listening (binding) address of the public API.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var jwtSecretFlag = &cli.StringFlag{
	Name:    "jwt-secret",
	Usage:   "HMAC secret validating session tokens. Must match the identity service.",
	EnvVars: []string{"COORDINATOR_JWT_SECRET"},
}

var jwtIssuerFlag = &cli.StringFlag{
	Name:  "jwt-issuer",
	Value: "zkceremony",
	Usage: "Expected issuer of session tokens.",
}

var sweepPeriodFlag = &cli.DurationFlag{
	Name:  "sweep-period",
	Usage: "Cadence of the timeout sweep evicting overdue contributors.",
}

var baselineFlag = &cli.DurationFlag{
	Name:  "baseline-average",
	Usage: "Assumed contribution duration before a circuit has any verified contribution.",
}

var connectFlag = &cli.StringFlag{
	Name:  "connect",
	Value: "http://localhost:8080",
	Usage: "Base URL of the coordinator daemon to talk to.",
}

var tokenFlag = &cli.StringFlag{
	Name:    "token",
	Usage:   "Session token authenticating the call.",
	EnvVars: []string{"COORDINATOR_TOKEN"},
}

var beaconFlag = &cli.StringFlag{
	Name:  "beacon",
	Usage: "Public random beacon value folded into every circuit at finalization.",
}

var appCommands = []*cli.Command{
	{
		Name:  "start",
		Usage: "Start the coordinator daemon.",
		Flags: toArray(folderFlag, listenFlag, metricsFlag, jwtSecretFlag,
			jwtIssuerFlag, sweepPeriodFlag, baselineFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			banner()
			return startCmd(c)
		},
	},
	{
		Name:      "create-ceremony",
		Usage:     "Create a ceremony from a TOML setup file.",
		ArgsUsage: "<setup.toml>",
		Flags:     toArray(connectFlag, tokenFlag),
		Action:    createCeremonyCmd,
	},
	{
		Name:      "get",
		Usage:     "Print a ceremony record.",
		ArgsUsage: "<ceremony-id>",
		Flags:     toArray(connectFlag),
		Action:    getCeremonyCmd,
	},
	{
		Name:      "close",
		Usage:     "Close an open ceremony ahead of its end time.",
		ArgsUsage: "<ceremony-id>",
		Flags:     toArray(connectFlag, tokenFlag),
		Action:    closeCmd,
	},
	{
		Name:      "finalize",
		Usage:     "Finalize a closed ceremony with the given beacon.",
		ArgsUsage: "<ceremony-id>",
		Flags:     toArray(connectFlag, tokenFlag, beaconFlag),
		Action:    finalizeCmd,
	},
	{
		Name:   "sweep",
		Usage:  "Trigger an immediate timeout sweep on the daemon.",
		Flags:  toArray(connectFlag, tokenFlag),
		Action: sweepCmd,
	},
}

// CLI builds the coordinator command line application.
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "coordinator"
	app.Version = version
	app.Usage = "multi-party trusted-setup ceremony coordinator"
	app.Commands = appCommands
	return app
}

// DefaultDataFolder returns the default folder holding the coordinator's
// persistent state.
func DefaultDataFolder() string {
	return path.Join(fs.HomeFolder(), ".zkcoordinator")
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func createCeremonyCmd(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("create-ceremony requires the path of a TOML setup file")
	}
	file, err := LoadCeremonyFile(c.Args().First())
	if err != nil {
		return err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := callDaemon(c, http.MethodPost, "/v2/ceremonies", file.Request(), &created); err != nil {
		return err
	}
	fmt.Fprintf(output, "ceremony created: %s\n", created.ID)
	return nil
}

func getCeremonyCmd(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("get requires a ceremony id")
	}

	var record json.RawMessage
	if err := callDaemon(c, http.MethodGet, "/v2/ceremonies/"+c.Args().First(), nil, &record); err != nil {
		return err
	}
	return printJSON(record)
}

func closeCmd(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("close requires a ceremony id")
	}

	var record json.RawMessage
	endpoint := "/v2/ceremonies/" + c.Args().First() + "/close"
	if err := callDaemon(c, http.MethodPost, endpoint, nil, &record); err != nil {
		return err
	}
	return printJSON(record)
}

func finalizeCmd(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("finalize requires a ceremony id")
	}
	beacon := c.String(beaconFlag.Name)
	if beacon == "" {
		return errors.New("finalize requires a --beacon value")
	}

	var record json.RawMessage
	body := map[string]string{"beacon": beacon}
	endpoint := "/v2/ceremonies/" + c.Args().First() + "/finalize"
	if err := callDaemon(c, http.MethodPost, endpoint, body, &record); err != nil {
		return err
	}
	return printJSON(record)
}

func sweepCmd(c *cli.Context) error {
	if err := callDaemon(c, http.MethodPost, "/v2/sweep", nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(output, "sweep completed")
	return nil
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Fprintln(output, buf.String())
	return nil
}
