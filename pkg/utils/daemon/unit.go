package daemon

// unitTemplate is rendered with the executable path and daemon flags.
const unitTemplate = `[Unit]
Description=delayctl delay board daemon
After=local-fs.target

[Service]
Type=simple
ExecStart={{EXEC}} daemon{{ARGS}}
Restart=on-failure
RestartSec=5
ExecReload=/bin/kill -HUP $MAINPID

[Install]
WantedBy=multi-user.target
`
