// Package secexec runs allowlisted commands as explicit argument vectors, never
// through a shell, and keeps an audit trail of every attempt.
package secexec

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/vinayprograms/orchestrator/internal/validator"
	"gopkg.in/yaml.v3"
)

// Role is an execution privilege level. Higher roles include every binary of lower ones.
type Role int

const (
	RoleViewer Role = iota
	RoleOperator
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleViewer:   "viewer",
	RoleOperator: "operator",
	RoleAdmin:    "admin",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole parses viewer, operator or admin.
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if strings.EqualFold(s, name) {
			return r, nil
		}
	}
	return RoleViewer, fmt.Errorf("unknown role %q", s)
}

// Policy is the command allowlist, blocklist and forbidden subcommand table.
// QA lists the interpreters and build drivers that only configured QA command
// vectors may start; no role reaches them.
type Policy struct {
	Roles                map[string][]string `yaml:"roles"`
	QA                   []string            `yaml:"qa"`
	Blocklist            []string            `yaml:"blocklist"`
	ForbiddenSubcommands map[string][]string `yaml:"forbidden_subcommands"`

	minRole map[string]Role
	qa      map[string]bool
	blocked map[string]bool
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p := &Policy{
		Roles: map[string][]string{
			"viewer": {
				"cat", "head", "tail", "less", "more", "ls", "pwd", "whoami", "hostname",
				"uname", "df", "du", "free", "uptime", "date", "ps", "top", "htop", "ip",
				"ifconfig", "netstat", "ss", "ollama", "grep", "find", "wc", "sort", "uniq",
				"which", "whereis", "file", "stat", "echo", "tree", "diff",
			},
			"operator": {
				"docker", "systemctl", "git", "service", "journalctl",
			},
			"admin": {
				"apt", "apt-get", "mkdir", "touch", "cp", "mv", "chmod", "chown", "tee",
			},
		},
		QA: []string{
			"go", "gofmt", "make", "python3", "pytest", "ruff", "black", "mypy", "node",
			"npm", "npx", "tsc", "eslint", "prettier",
		},
		Blocklist: []string{
			"rm", "rmdir", "shred", "wipe", "dd", "mkfs", "mkswap", "fdisk", "parted", "gdisk",
			"sudo", "su", "doas", "pkexec", "passwd", "chpasswd", "useradd", "userdel",
			"usermod", "groupadd", "groupdel", "visudo", "shutdown", "reboot", "poweroff",
			"halt", "init", "mount", "umount", "iptables", "ip6tables", "nft", "ufw", "insmod",
			"rmmod", "modprobe", "sysctl", "crontab", "chroot", "nsenter", "unshare", "ssh",
			"scp", "rsync", "telnet", "wget", "curl", "nc", "netcat", "bash", "sh", "zsh",
			"ksh", "eval", "exec",
		},
		ForbiddenSubcommands: map[string][]string{
			"dd":    {"of=/dev/"},
			"chmod": {"777 /"},
			"chown": {"-R /"},
			"git": {
				"push --force", "push -f", "-c", "--config-env", "--exec-path", "--upload-pack",
				"--receive-pack", "--extcmd", "difftool", "mergetool", "filter-branch",
			},
			"docker":  {"run", "exec", "create", "cp"},
			"find":    {"-delete", "-exec", "-ok", "-fprint", "-fls"},
			"sort":    {"-o", "--output"},
			"python3": {"-c"},
			"node":    {"-e", "--eval", "-p", "--print"},
			"npm":     {"exec", "x"},
			"npx":     {"-c", "--call"},
			"mkfs":    {"*"},
			"fdisk":   {"*"},
			"parted":  {"*"},
		},
	}
	if err := p.compile(); err != nil {
		panic(err)
	}
	return p
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	p := &Policy{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return ParsePolicy(data)
}

func (p *Policy) compile() error {
	if len(p.Roles) == 0 {
		return fmt.Errorf("policy defines no roles")
	}
	p.minRole = make(map[string]Role)
	for name, bins := range p.Roles {
		role, err := ParseRole(name)
		if err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		for _, bin := range bins {
			if cur, ok := p.minRole[bin]; !ok || role < cur {
				p.minRole[bin] = role
			}
		}
	}
	p.qa = make(map[string]bool, len(p.QA))
	for _, bin := range p.QA {
		p.qa[bin] = true
	}
	p.blocked = make(map[string]bool, len(p.Blocklist))
	for _, bin := range p.Blocklist {
		p.blocked[bin] = true
	}
	return nil
}

// Decide returns whether argv may run under role, with a reason when it may not.
func (p *Policy) Decide(argv []string, role Role) (bool, string) {
	if len(argv) == 0 {
		return false, "empty command"
	}
	bin := validator.Binary(argv)
	if p.blocked[bin] {
		return false, fmt.Sprintf("command %q is blocked", bin)
	}
	need, ok := p.minRole[bin]
	if !ok {
		return false, fmt.Sprintf("command %q is not on the allowlist", bin)
	}
	if role < need {
		return false, fmt.Sprintf("command %q requires role %s, have %s", bin, need, role)
	}
	return p.allowedArgs(bin, argv[1:])
}

// DecideQA is Decide for configured QA command vectors: the binary must be on the
// QA list or reachable by the operator role.
func (p *Policy) DecideQA(argv []string) (bool, string) {
	if len(argv) == 0 {
		return false, "empty command"
	}
	bin := validator.Binary(argv)
	if p.blocked[bin] {
		return false, fmt.Sprintf("command %q is blocked", bin)
	}
	if need, ok := p.minRole[bin]; !p.qa[bin] && (!ok || need > RoleOperator) {
		return false, fmt.Sprintf("command %q is not on the QA allowlist", bin)
	}
	return p.allowedArgs(bin, argv[1:])
}

func (p *Policy) allowedArgs(bin string, args []string) (bool, string) {
	for _, pattern := range p.ForbiddenSubcommands[bin] {
		if matchArgs(args, pattern) {
			return false, fmt.Sprintf("forbidden subcommand: %s %s", bin, pattern)
		}
	}
	return true, ""
}

// matchArgs reports whether the words of pattern appear in args in order, each as
// the prefix of an argument. "*" matches anything.
func matchArgs(args []string, pattern string) bool {
	if pattern == "*" {
		return true
	}
	words := strings.Fields(pattern)
	if len(words) == 0 {
		return false
	}
	i := 0
	for _, arg := range args {
		if strings.HasPrefix(arg, words[i]) {
			i++
			if i == len(words) {
				return true
			}
		}
	}
	return false
}

// Binaries returns the binaries reachable by role, sorted.
func (p *Policy) Binaries(role Role) []string {
	var out []string
	for bin, need := range p.minRole {
		if need <= role && !p.blocked[bin] {
			out = append(out, bin)
		}
	}
	sort.Strings(out)
	return out
}
