package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/allen9441/hanabot/hanabot"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
)

const (
	initConfigFilename = "hanabot.yaml"
	initFileMode       = 0o644
	initDirMode        = 0o755
)

var initDir string

type examplePersonaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// examplePre and examplePost are written as starting persona documents.
// {username} is swapped for the display name of whoever is being
// answered.
var (
	examplePre = []examplePersonaMessage{
		{
			Role: "system",
			Content: "你是小花，一個住在這個 Discord 伺服器裡的聊天夥伴。" +
				"回覆要簡短自然，像朋友聊天一樣。",
		},
		{
			Role: "system",
			Content: "想記住某件事時，在回覆中寫 memory(內容); 。" +
				"有人太過分時，可以寫 timeout(使用者ID, 秒數); 讓對方冷靜一下。",
		},
	}
	examplePost = []examplePersonaMessage{
		{
			Role:    "system",
			Content: "現在回覆 {username}。",
		},
	}
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write example persona documents, a memories directory and a config file",
	Long: "Writes persona.json, persona_post.json, a memories directory and " +
		initConfigFilename + " to --dir. Existing files are left alone.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if err := writeInitFiles(out, initDir); err != nil {
			log.Fatalf("error initializing %s: %v", initDir, err)
		}
		fmt.Fprintln(
			out,
			"Initialization complete. Set HANA_OPENAI_TOKEN and HANA_DISCORD_TOKEN, "+
				"then start the bot with the 'run' subcommand.",
		)
	},
}

// writeInitFiles writes the example files to dir. Files which already
// exist are reported and skipped.
func writeInitFiles(out io.Writer, dir string) error {
	if err := os.MkdirAll(dir, initDirMode); err != nil {
		return err
	}

	config := hanabot.DefaultConfig()
	config.Persona.PrePath = filepath.Join(dir, hanabot.DefaultPersonaPrePath)
	config.Persona.PostPath = filepath.Join(dir, hanabot.DefaultPersonaPostPath)
	config.Memory.Dir = filepath.Join(dir, hanabot.DefaultMemoryDir)

	memoryDir := config.Memory.Dir
	if err := os.MkdirAll(memoryDir, initDirMode); err != nil {
		return fmt.Errorf("error creating memory directory: %w", err)
	}
	fmt.Fprintln(out, "Memory directory:", memoryDir)

	pre, err := json.MarshalIndent(examplePre, "", "  ")
	if err != nil {
		return err
	}
	post, err := json.MarshalIndent(examplePost, "", "  ")
	if err != nil {
		return err
	}
	configData, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}

	files := []struct {
		path string
		data []byte
	}{
		{path: config.Persona.PrePath, data: pre},
		{path: config.Persona.PostPath, data: post},
		{path: filepath.Join(dir, initConfigFilename), data: configData},
	}

	for _, f := range files {
		created, err := writeNewFile(f.path, f.data)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintln(out, "Wrote", f.path)
		} else {
			fmt.Fprintln(out, "Already exists, skipping:", f.path)
		}
	}
	return nil
}

// writeNewFile writes data to path, unless path already exists
func writeNewFile(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, initFileMode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	_, err = f.Write(data)
	return true, errors.Join(err, f.Close())
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(
		&initDir,
		"dir",
		".",
		"Directory to write the example files to",
	)
}
