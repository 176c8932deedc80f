package main

import "flag"

type initOptions struct {
	configPath  string
	logfile     string
	listen      string
	verbose     bool
	versionFlag bool
}

func parseFlags() initOptions {
	var options initOptions
	flag.StringVar(
		&(options.configPath),
		"c",
		"",
		"Path to the YAML configuration file",
	)
	flag.StringVar(
		&(options.logfile),
		"l",
		"",
		"Log into a file, rotating after 20MB",
	)
	flag.StringVar(
		&(options.listen),
		"a",
		"",
		"Admin API listen address, overrides the configuration file. Example: devhubd -a 127.0.0.1:21343",
	)
	flag.BoolVar(
		&(options.verbose),
		"v",
		false,
		"Write verbose logs to either stderr or logfile",
	)
	flag.BoolVar(
		&(options.versionFlag),
		"version",
		false,
		"Write version",
	)
	flag.Parse()
	return options
}
