package main

import (
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/smudge-daq/smudge"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("session.monitorport", smudge.Ports.Monitor)

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotSmudge := filepath.Join(HOME, ".smudge")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotSmudge, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/smudge"))
	viper.AddConfigPath(dotSmudge)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// setupLogging redirects the package loggers to rotated files under $HOME/.smudge/logs.
func setupLogging() error {
	HOME, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	logdir := filepath.Join(HOME, ".smudge", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		return err
	}
	updatename, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		return err
	}
	smudge.ProblemLogger = startLogger(problemname)
	smudge.UpdateLogger = startLogger(updatename)
	smudge.UpdateLogger.Printf("This is smudge version %s (git commit %s)", smudge.Build.Version, githash)
	return nil
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	smudge.Build.Date = buildDate
	smudge.Build.Githash = githash
	smudge.Build.Gitdate = gitdate
	smudge.Build.Summary = fmt.Sprintf("smudge version %s (git commit %s of %s)", smudge.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		smudge.Build.Host = host
	} else {
		smudge.Build.Host = "host not detected"
	}

	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "smudge:", err)
		os.Exit(1)
	}
}
