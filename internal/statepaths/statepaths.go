package statepaths

import (
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/shilomagen/shula-sub000/internal/pathutil"
)

const (
	CorrelationsFilename = "correlations.json"
	DeadLetterFilename   = "dead_letter.jsonl"
)

func FileStateDir() string {
	return pathutil.ResolveStateDir(viper.GetString("file_state_dir"))
}

func QueueDir() string {
	return pathutil.ResolveStateChildDir(
		viper.GetString("file_state_dir"),
		viper.GetString("queue.dir_name"),
		"queue",
	)
}

func CorrelationsPath() string {
	return pathutil.ResolveStateFile(viper.GetString("file_state_dir"), CorrelationsFilename)
}

func DeadLetterPath() string {
	return filepath.Join(QueueDir(), DeadLetterFilename)
}
