/*
   OqtaCard - PlayStation memory card emulator
   Copyright (c) 2023, Alexander Vollschwitz

   This file is part of OqtaCard.

   OqtaCard is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   OqtaCard is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with OqtaCard. If not, see <http://www.gnu.org/licenses/>.
*/

/*
	Package run holds the runners behind the commands of the oqtacard binary.
	Each runner is a cobra command whose settings can come from flags, from
	environment variables, or from the config file.
*/
package run

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to the environment variables of all settings.
const EnvPrefix = "OQTACARD"

const runnerHelpEpilogue = `- All settings can also be given as environment variables, prefixed with
  OQTACARD_ and written in upper case with dashes replaced by underscores,
  e.g. OQTACARD_ADDRESS.

- When not specifying a daemon address, localhost:8888 is used.
`

//
type setting struct {
	ref      interface{}
	name     string
	required bool
}

//
func NewRunner(use, short, long, example, epilogue string,
	exec func() error) *Runner {

	r := &Runner{
		Command: cobra.Command{
			Use:     use,
			Short:   short,
			Long:    long,
			Example: example,
		},
		exec:  exec,
		viper: viper.New(),
	}

	r.viper.SetEnvPrefix(EnvPrefix)
	r.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	r.viper.AutomaticEnv()

	r.Flags().SetNormalizeFunc(normalizeFlag)
	r.SilenceUsage = true
	r.RunE = func(cmd *cobra.Command, args []string) error {
		return r.exec()
	}

	if epilogue != "" {
		r.SetUsageTemplate(r.UsageTemplate() + "\nNotes:\n\n" + epilogue)
	}

	return r
}

//
type Runner struct {
	cobra.Command
	//
	Address  string
	LogLevel string
	//
	viper    *viper.Viper
	settings []*setting
	exec     func() error
}

// AddBaseSettings adds the settings every runner has.
func (r *Runner) AddBaseSettings() {
	r.AddSetting(&r.Address, "address", "a", "", "localhost:8888",
		"listen address and port of daemon's API server", false)
	r.AddSetting(&r.LogLevel, "log-level", "", "LOG_LEVEL", "info",
		"log level, one of trace, debug, info, warn, error", false)
}

/*
	AddSetting adds a setting stored in ref. The setting is available as flag
	name, with shorthand short if not empty, and as environment variable
	OQTACARD_<NAME>. If env is not empty, that environment variable is also
	consulted.
*/
func (r *Runner) AddSetting(ref interface{}, name, short, env string,
	def interface{}, usage string, required bool) {

	f := r.Flags()

	switch v := ref.(type) {
	case *string:
		f.StringVarP(v, name, short, stringOr(def, ""), usage)
	case *int:
		f.IntVarP(v, name, short, intOr(def, 0), usage)
	case *bool:
		f.BoolVarP(v, name, short, def == true, usage)
	case *time.Duration:
		d, _ := def.(time.Duration)
		f.DurationVarP(v, name, short, d, usage)
	default:
		panic(fmt.Sprintf("unsupported setting type for %s: %T", name, ref))
	}

	if err := r.viper.BindPFlag(name, f.Lookup(name)); err != nil {
		panic(err)
	}
	if env != "" {
		r.viper.BindEnv(name, env)
	}

	r.settings = append(r.settings, &setting{
		ref: ref, name: name, required: required})
}

//
func stringOr(v interface{}, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

//
func intOr(v interface{}, def int) int {
	if i, ok := v.(int); ok {
		return i
	}
	return def
}

// ReadConfig reads settings from file. Flags and environment take precedence
// over the file.
func (r *Runner) ReadConfig(file string) error {
	r.viper.SetConfigFile(file)
	if err := r.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("cannot read config file %s: %v", file, err)
	}
	log.WithField("file", file).Info("config file read")
	return nil
}

// ParseSettings resolves all settings into their references, and applies
// the log level.
func (r *Runner) ParseSettings() error {

	for _, s := range r.settings {

		if s.required && !r.IsSet(s.name) {
			return fmt.Errorf("missing required setting: --%s", s.name)
		}

		switch v := s.ref.(type) {
		case *string:
			*v = r.viper.GetString(s.name)
		case *int:
			*v = r.viper.GetInt(s.name)
		case *bool:
			*v = r.viper.GetBool(s.name)
		case *time.Duration:
			*v = r.viper.GetDuration(s.name)
		}
	}

	if r.LogLevel != "" {
		level, err := log.ParseLevel(r.LogLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}

	return nil
}

// IsSet reports whether setting name was given through flag, environment,
// or config file.
func (r *Runner) IsSet(name string) bool {
	if f := r.Flags().Lookup(name); f != nil && f.Changed {
		return true
	}
	return r.viper.InConfig(name) || envSet(name)
}

//
func envSet(name string) bool {
	_, ok := os.LookupEnv(EnvPrefix + "_" +
		strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
	return ok
}

// Persist writes values back to the config file, if one is in use.
func (r *Runner) Persist(values map[string]interface{}) error {
	if r.viper.ConfigFileUsed() == "" {
		return nil
	}
	for k, v := range values {
		r.viper.Set(k, v)
	}
	return r.viper.WriteConfig()
}

// apiCall sends a request to the daemon's API. For any status other than OK,
// the reply body is returned as error.
func (r *Runner) apiCall(method, path string, json bool,
	body io.Reader) (io.ReadCloser, error) {

	addr := r.Address
	if !strings.Contains(addr, ":") {
		addr += ":8888"
	}

	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", addr, path),
		body)
	if err != nil {
		return nil, err
	}

	if json {
		req.Header.Set("Accept", "application/json")
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: %s", resp.Status,
			strings.TrimSpace(string(msg)))
	}

	return resp.Body, nil
}

// apiPrint sends a request to the daemon's API and prints the reply.
func (r *Runner) apiPrint(method, path string, body io.Reader) error {

	resp, err := r.apiCall(method, path, false, body)
	if err != nil {
		return err
	}
	defer resp.Close()

	_, err = io.Copy(os.Stdout, resp)
	return err
}

//
func GetUserConfirmation(prompt string) bool {
	fmt.Printf("\n%s [y/N] ", prompt)
	in, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "y", "yes":
		return true
	}
	return false
}

// normalizeFlag accepts underscores in flag names, matching the names of
// the environment variables.
func normalizeFlag(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}
