package bundler

import (
	"strings"

	"github.com/forgepack/forge/infrastructure/config"
)

// Target is the compile target, mirroring the spec's target enum.
type Target string

const (
	TargetBrowser  Target = "browser"
	TargetNode     Target = "node"
	TargetElectron Target = "electron"
)

// Options are the configuration options recognized by the facade. Defaults
// are derived in NewOptions per the spec's defaulting rules.
type Options struct {
	Production  bool
	OutDir      string
	OutFile     string
	PublicURL   string
	Watch       bool
	Cache       bool
	CacheDir    string
	KillWorkers bool
	Minify      bool
	Target      Target
	HMR         bool
	HTTPS       bool
	LogLevel    string
	HMRPort     int
	SourceMaps  bool
	HMRHostname string

	DetailedReport bool
	Autoinstall    bool
	ContentHash    bool

	// watchSet/hmrSet/minifySet/contentHashSet track whether
	// the caller explicitly set these, so defaulting can tell "unset" apart
	// from "explicitly false".
	watchSet       bool
	hmrSet         bool
	minifySet      bool
	contentHashSet bool
}

// Option mutates Options during construction.
type Option func(*Options)

func WithProduction(v bool) Option { return func(o *Options) { o.Production = v } }
func WithOutDir(dir string) Option { return func(o *Options) { o.OutDir = dir } }
func WithWatch(v bool) Option       { return func(o *Options) { o.Watch = v; o.watchSet = true } }
func WithCache(v bool) Option       { return func(o *Options) { o.Cache = v } }
func WithCacheDir(dir string) Option { return func(o *Options) { o.CacheDir = dir } }
func WithKillWorkers(v bool) Option { return func(o *Options) { o.KillWorkers = v } }
func WithMinify(v bool) Option      { return func(o *Options) { o.Minify = v; o.minifySet = true } }
func WithTarget(t Target) Option    { return func(o *Options) { o.Target = t } }
func WithHMR(v bool) Option         { return func(o *Options) { o.HMR = v; o.hmrSet = true } }
func WithHTTPS(v bool) Option       { return func(o *Options) { o.HTTPS = v } }
func WithHMRPort(p int) Option      { return func(o *Options) { o.HMRPort = p } }
func WithHMRHostname(h string) Option { return func(o *Options) { o.HMRHostname = h } }
func WithDetailedReport(v bool) Option { return func(o *Options) { o.DetailedReport = v } }
func WithAutoinstall(v bool) Option  { return func(o *Options) { o.Autoinstall = v } }
func WithContentHash(v bool) Option  { return func(o *Options) { o.ContentHash = v; o.contentHashSet = true } }
func WithPublicURL(u string) Option  { return func(o *Options) { o.PublicURL = u } }
func WithOutFile(f string) Option    { return func(o *Options) { o.OutFile = f } }

// NewOptions applies opts over the spec's defaults:
// production <- options.production OR NODE_ENV=="production"
// watch <- !production if unspecified
// hmr <- false when target=="node" else defaults to watch
// minify <- production
// contentHash <- production
// autoinstall forced off in production
func NewOptions(opts ...Option) *Options {
	o := &Options{
		OutDir:   config.GetEnv("FORGE_OUT_DIR", "dist"),
		CacheDir: config.GetEnv("FORGE_CACHE_DIR", ".cache"),
		Cache:    true,
		Target:   TargetBrowser,
		HMRPort:  config.GetEnvInt("FORGE_HMR_PORT", 0),
	}
	for _, opt := range opts {
		opt(o)
	}

	if !o.Production {
		o.Production = strings.EqualFold(config.GetEnv("NODE_ENV", ""), "production")
	}
	if !o.watchSet {
		o.Watch = !o.Production
	}
	if !o.hmrSet {
		if o.Target == TargetNode {
			o.HMR = false
		} else {
			o.HMR = o.Watch
		}
	}
	if !o.minifySet {
		o.Minify = o.Production
	}
	if !o.contentHashSet {
		o.ContentHash = o.Production
	}
	if o.Production {
		o.Autoinstall = false
	}
	return o
}
