package toolexec

// BashArgs are the arguments to execute_bash.
type BashArgs struct {
	Command        string `json:"command" mapstructure:"command" jsonschema:"required,description=Shell command line to execute"`
	WorkingDir     string `json:"working_directory,omitempty" mapstructure:"working_directory" jsonschema:"description=Working directory (defaults to the policy's first allowed directory)"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds" jsonschema:"description=Hard timeout in seconds (defaults to the policy's configured timeout)"`
}

// ScriptArgs are the arguments to execute_script.
type ScriptArgs struct {
	Path           string   `json:"path" jsonschema:"required,description=Path to an executable script, relative to an allowed directory"`
	Args           []string `json:"args,omitempty" jsonschema:"description=Arguments passed to the script"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" jsonschema:"description=Hard timeout in seconds (defaults to the policy's code execution timeout)"`
}

// ReadFileArgs are the arguments to read_file.
type ReadFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=File path to read"`
}

// WriteFileArgs are the arguments to write_file.
type WriteFileArgs struct {
	Path      string `json:"path" jsonschema:"required,description=File path to write"`
	Content   string `json:"content" jsonschema:"required,description=Content to write to the file"`
	Overwrite bool   `json:"overwrite,omitempty" jsonschema:"description=Allow overwriting an existing file,default=false"`
}

// ListFilesArgs are the arguments to list_files.
type ListFilesArgs struct {
	Dir  string `json:"directory" mapstructure:"directory" jsonschema:"required,description=Directory to list"`
	Glob string `json:"glob,omitempty" mapstructure:"glob" jsonschema:"description=Glob pattern entries must match,default=*"`
}
