package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/conversion_hook/internal/config"
	"github.com/austindbirch/conversion_hook/internal/db"
	"github.com/austindbirch/conversion_hook/internal/queue"
	"github.com/austindbirch/conversion_hook/internal/store"
)

var (
	cfgFile    string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "convctl",
	Short: "Operator CLI for the conversion delivery pipeline",
	Long: `convctl inspects and nudges the conversion delivery pipeline.

You can use it to publish domain events, look up delivery logs, requeue a
stuck delivery, peek at the dead-letter list and read queue depths.

Connection settings come from flags, $HOME/.convctl.yaml, or the same
environment variables the worker reads (DB_*, REDIS_*, NSQD_TCP_ADDR).`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.convctl.yaml)")
	pf.DurationVar(&timeout, "timeout", 10*time.Second, "per-command timeout")
	pf.BoolVar(&outputJSON, "json", false, "output in JSON format")
	pf.BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	pf.String("dsn", "", "postgres DSN (default built from DB_* variables)")
	pf.String("redis-addr", "", "redis address (default REDIS_ADDR)")
	pf.String("redis-prefix", "", "queue key prefix (default REDIS_KEY_PREFIX)")
	pf.String("nsqd", "", "nsqd TCP address (default NSQD_TCP_ADDR)")
	pf.String("topic", "", "domain events topic (default NSQ_EVENTS_TOPIC)")

	for key, flag := range map[string]string{
		"timeout":      "timeout",
		"json":         "json",
		"pretty":       "pretty",
		"dsn":          "dsn",
		"redis_addr":   "redis-addr",
		"redis_prefix": "redis-prefix",
		"nsqd":         "nsqd",
		"topic":        "topic",
	} {
		_ = viper.BindPFlag(key, pf.Lookup(flag))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".convctl")
	}

	viper.SetEnvPrefix("CONVCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !rootCmd.PersistentFlags().Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
}

// settings is the pipeline's config with CLI overrides applied.
type settings struct {
	DSN         string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	RedisPrefix string
	NsqdAddr    string
	EventsTopic string
}

func loadSettings() settings {
	_ = config.LoadDotenv()
	cfg := config.FromEnv()
	return settings{
		DSN:         override("dsn", cfg.DSN()),
		RedisAddr:   override("redis_addr", cfg.Redis.Addr),
		RedisPass:   cfg.Redis.Password,
		RedisDB:     cfg.Redis.DB,
		RedisPrefix: override("redis_prefix", cfg.Redis.KeyPrefix),
		NsqdAddr:    override("nsqd", cfg.NSQ.NsqdTCPAddr),
		EventsTopic: override("topic", cfg.NSQ.EventsTopic),
	}
}

func override(key, def string) string {
	if v := viper.GetString(key); v != "" {
		return v
	}
	return def
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, timeout)
}

func openStore(ctx context.Context, s settings) (*store.Store, func(), error) {
	pool, err := db.Connect(ctx, s.DSN, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return store.New(pool), pool.Close, nil
}

func openQueue(ctx context.Context, s settings) (*queue.Redis, func(), error) {
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr, Password: s.RedisPass, DB: s.RedisDB})
	q := queue.NewRedis(client, s.RedisPrefix)
	if err := q.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return q, func() { _ = client.Close() }, nil
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	c := exec.Command("jq", ".")
	c.Stdin = bytes.NewReader(jsonData)
	var out, stderr bytes.Buffer
	c.Stdout = &out
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}
	return out.String(), nil
}

// printJSON writes v as indented JSON, through jq when --pretty is set.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	if prettyJSON {
		if formatted, jqErr := formatWithJQ(data); jqErr == nil {
			_, err = io.WriteString(w, formatted)
			return err
		}
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
