// Package config provides the public SDK configuration API.
//
// It re-exports the malauth configuration types and helpers so external projects can
// embed the credential lifecycle without importing internal packages.
package config

import internalconfig "github.com/malclient/malauth/internal/config"

type SDKConfig = internalconfig.SDKConfig

type Config = internalconfig.Config

type TokenStoreConfig = internalconfig.TokenStoreConfig
type PostgresStoreConfig = internalconfig.PostgresStoreConfig
type ObjectStoreConfig = internalconfig.ObjectStoreConfig
type GitStoreConfig = internalconfig.GitStoreConfig

const (
	DefaultRedirectURI = internalconfig.DefaultRedirectURI
	DefaultPKCEMethod  = internalconfig.DefaultPKCEMethod
)

func LoadConfig(configFile string) (*Config, error) { return internalconfig.LoadConfig(configFile) }

func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	return internalconfig.LoadConfigOptional(configFile, optional)
}

func MigrateLegacyKeys(configFile string) (bool, error) {
	return internalconfig.MigrateLegacyKeys(configFile)
}

func DefaultConfigPath() string { return internalconfig.DefaultConfigPath() }
