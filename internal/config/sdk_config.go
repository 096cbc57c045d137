package config

// SDKConfig holds the settings shared with library consumers of sdk/auth.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server used for token requests.
	// Supported schemes: http, https, socks5.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`
}
