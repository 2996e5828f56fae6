// Copyright © 2019 Hao Chen <chenhao.mymail@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "extremeplt",
	Short: "a probabilistic label tree classifier for extreme multi-label data",
	Long: `

 _______  _______ __________________ _______ _______  _______  _       _________
(  ____ \(  ____ \\__   __/\__   __/(  ____ )(  ____ \(  ____ )( \      \__   __/
| (    \/| (    \/   ) (      ) (   | (    )|| (    \/| (    )|| (         ) (
| (__    | (__       | |      | |   | (____)|| (__    | (____)|| |         | |
|  __)   |  __)       | |      | |   |     __)|  __)   |     __)| |         | |
| (      | (          | |      | |   | (\ (   | (      | (\ (   | |         | |
| (____/\| (____/\     | |      | |   | ) \ \__| (____/\| ) \ \__| (____/\___) (___
(_______/(_______/     )_(      )_(   |/   \__/(_______/|/   \__/(_______/\_______/

Build a probabilistic label tree over sparse libsvm data and use it to
train, test, predict, and tune prediction thresholds online.

Sample usage:
  extremeplt train --input data/train.libsvm --output model/
  extremeplt test --input data/test.libsvm --output model/
  extremeplt predict --input data/queries.libsvm --output model/`,
}

// Execute runs the root command; main.go's sole job is to call this and
// exit non-zero on failure, per the specification's exit-status contract.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default none)")
	rootCmd.PersistentFlags().Int64("seed", 1, "random seed")
	rootCmd.PersistentFlags().Int("threads", 0, "worker threads (0 = all cores, -1 = all but one)")
}

// initConfig reads an optional --config file via viper and exits
// non-zero if it cannot be read. The file's values are not applied to
// any command's flags: every command takes its args from flags only.
func initConfig() {
	if cfgFile == "" {
		return
	}
	if expanded, err := homedir.Expand(cfgFile); err == nil {
		cfgFile = expanded
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "extremeplt: reading config file %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}
