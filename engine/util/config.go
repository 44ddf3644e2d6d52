package util

import (
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/spf13/viper"
)

var (
	ConfigurationFileDirectory DirectoryValueType
	loadConfigOnce             sync.Once
)

type DirectoryValueType string

func (s *DirectoryValueType) Set(value string) error {
	*s = DirectoryValueType(value)
	return nil
}
func (s *DirectoryValueType) String() string {
	return string(*s)
}

// Configuration is the accessor interface handed to pluggable store backends.
type Configuration interface {
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetStringSlice(key string) []string
	SetDefault(key string, value interface{})
}

// LoadEngineConfiguration loads the io-engine.toml once per process.
func LoadEngineConfiguration() {
	loadConfigOnce.Do(func() {
		LoadConfiguration("io-engine", false)
	})
}

func LoadConfiguration(configFileName string, required bool) (loaded bool) {

	viper.SetConfigName(configFileName)
	viper.AddConfigPath(ConfigurationFileDirectory.String())
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.mayastor")
	viper.AddConfigPath("/usr/local/etc/mayastor/")
	viper.AddConfigPath("/etc/mayastor/")

	if err := viper.MergeInConfig(); err != nil {
		if strings.Contains(err.Error(), "Not Found") {
			glog.V(1).Infof("Reading %s: %v", viper.ConfigFileUsed(), err)
		} else {
			glog.Fatalf("Reading %s: %v", viper.ConfigFileUsed(), err)
		}
		if required {
			glog.Fatalf("Failed to load %s.toml file from current directory, or $HOME/.mayastor/, or /etc/mayastor/", configFileName)
		} else {
			return false
		}
	}
	glog.V(1).Infof("Reading %s", viper.ConfigFileUsed())

	return true
}

// GetViper returns a snapshot of the process-wide viper instance.
func GetViper() *viper.Viper {
	v := viper.GetViper()
	return v
}
