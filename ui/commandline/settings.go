// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding"
	"flag"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/dynbatch/pkg/ml/datasets"
	"github.com/gomlx/dynbatch/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "target_batch_numel=45_000;numel_policy=sum;...".
//
// The names are the YAML names of the datasets.Config fields, and the values are parsed according
// to the field type. Lists (like "bucket_boundaries") are separated by ",".
//
// It updates `config` accordingly and returns the names of the settings changed, or an error in case
// a setting is unknown or the parsing failed. The config is not validated.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// A setting "file:<path>" reads the settings from a file, one or more per line: lines starting with "#"
// are comments.
//
// Example usage:
//
//	func main() {
//		config := datasets.DefaultConfig()
//		settings := commandline.CreateSettingsFlag(&config, "")
//		flag.Parse()
//		_, err := commandline.ParseSettings(&config, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintSettings(&config))
//		...
//	}
func ParseSettings(config *datasets.Config, settings string) (paramsSet []string, err error) {
	fields := settingFields(config)
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(fields, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

// settingField is a field of datasets.Config that can be set.
type settingField struct {
	name  string
	value reflect.Value
}

// settingFields enumerates the fields of the config by their YAML names, in declaration order.
func settingFields(config *datasets.Config) []settingField {
	v := reflect.ValueOf(config).Elem()
	t := v.Type()
	fields := make([]settingField, 0, t.NumField())
	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}
		fields = append(fields, settingField{name: name, value: v.Field(i)})
	}
	return fields
}

func parseSetting(fields []settingField, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		// Read settings from a file.
		var filePath string
		filePath, err = fsutil.ExpandPath(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(fields, lineSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<name>=<value>\"", setting)
		return
	}
	name = strings.TrimSpace(name)
	idx := slices.IndexFunc(fields, func(f settingField) bool { return f.name == name })
	if idx < 0 {
		err = errors.Errorf("unknown setting %q, valid settings are: %s", name,
			strings.Join(settingNames(fields), ", "))
		return
	}
	if err = setValue(fields[idx].value, strings.TrimSpace(valueStr)); err != nil {
		err = errors.WithMessagef(err, "failed to parse value %q for setting %q", valueStr, name)
		return
	}
	newParamsSet = append(newParamsSet, name)
	return
}

func settingNames(fields []settingField) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return names
}

// setValue parses valueStr according to the type of the field.
func setValue(field reflect.Value, valueStr string) error {
	if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(valueStr))
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(valueStr)
	case reflect.Int, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(strings.ReplaceAll(valueStr, "_", ""), 10, field.Type().Bits())
		if err != nil {
			return errors.WithStack(err)
		}
		field.SetInt(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(valueStr)
		if err != nil {
			return errors.WithStack(err)
		}
		field.SetBool(v)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.Int {
			return errors.Errorf("don't know how to parse type %s", field.Type())
		}
		var values []int
		if valueStr != "" {
			for _, part := range strings.Split(valueStr, ",") {
				v, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(part), "_", ""))
				if err != nil {
					return errors.WithStack(err)
				}
				values = append(values, v)
			}
		}
		field.Set(reflect.ValueOf(values))
	default:
		return errors.Errorf("don't know how to parse type %s", field.Type())
	}
	return nil
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the current values of the config.
//
// The flag should be created before the call to `flags.Parse()`. See example in ParseSettings.
func CreateSettingsFlag(config *datasets.Config, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set batching parameters. ` +
			`It should be a list of elements "name=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	for _, f := range settingFields(config) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", f.name, f.value.Interface()))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-print values for all the settings into a string.
func SprintSettings(config *datasets.Config) string {
	fields := settingFields(config)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("\t%q: (%s) %v", f.name, f.value.Type(), f.value.Interface()))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-print the values of the settings in paramsSet, as returned by ParseSettings.
func SprintModifiedSettings(config *datasets.Config, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	fields := settingFields(config)
	var parts []string
	for _, name := range paramsSet {
		idx := slices.IndexFunc(fields, func(f settingField) bool { return f.name == name })
		if idx < 0 {
			continue
		}
		f := fields[idx]
		parts = append(parts, fmt.Sprintf("\t%q: (%s) %v", f.name, f.value.Type(), f.value.Interface()))
	}
	return strings.Join(parts, "\n")
}
