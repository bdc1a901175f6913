package ir

// ModuleVersion is the sagastore version reported by the CLI.
const ModuleVersion = "0.1.0"
