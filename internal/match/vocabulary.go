package match

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexvoice/internal/learning"
)

var (
	ErrDuplicateCommand = errors.New("command already registered")
	ErrUnknownCommand   = errors.New("command not registered")
	ErrEmptyCommand     = errors.New("command name is empty")
)

// Command is one vocabulary entry. Name is the canonical phrase; synonyms
// resolve to the same command at full confidence.
type Command struct {
	Name        string   `yaml:"name" json:"name"`
	Synonyms    []string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

type vocabularyFile struct {
	Commands []Command `yaml:"commands"`
}

// Vocabulary is the ordered command registry. Registration order matters:
// similarity ties resolve to the earliest-registered command.
type Vocabulary struct {
	mu       sync.RWMutex
	commands []Command
	index    map[string]int // normalized canonical name -> position
}

// NewVocabulary creates an empty registry
func NewVocabulary() *Vocabulary {
	return &Vocabulary{
		index: make(map[string]int),
	}
}

// Register appends a command. The canonical name must be unique.
func (v *Vocabulary) Register(cmd Command) error {
	key := learning.Normalize(cmd.Name)
	if key == "" {
		return ErrEmptyCommand
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.index[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, cmd.Name)
	}

	cmd.Name = key
	for i, syn := range cmd.Synonyms {
		cmd.Synonyms[i] = learning.Normalize(syn)
	}

	v.index[key] = len(v.commands)
	v.commands = append(v.commands, cmd)
	return nil
}

// Unregister removes a command by canonical name
func (v *Vocabulary) Unregister(name string) error {
	key := learning.Normalize(name)

	v.mu.Lock()
	defer v.mu.Unlock()

	pos, exists := v.index[key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	v.commands = append(v.commands[:pos], v.commands[pos+1:]...)
	delete(v.index, key)
	for i := pos; i < len(v.commands); i++ {
		v.index[v.commands[i].Name] = i
	}
	return nil
}

// Replace swaps the whole registry in one step. Used by the file watcher
// so a reload is atomic from the matcher's point of view.
func (v *Vocabulary) Replace(commands []Command) error {
	index := make(map[string]int, len(commands))
	normalized := make([]Command, 0, len(commands))

	for _, cmd := range commands {
		key := learning.Normalize(cmd.Name)
		if key == "" {
			return ErrEmptyCommand
		}
		if _, exists := index[key]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateCommand, cmd.Name)
		}

		cmd.Name = key
		syns := make([]string, len(cmd.Synonyms))
		for i, syn := range cmd.Synonyms {
			syns[i] = learning.Normalize(syn)
		}
		cmd.Synonyms = syns

		index[key] = len(normalized)
		normalized = append(normalized, cmd)
	}

	v.mu.Lock()
	v.commands = normalized
	v.index = index
	v.mu.Unlock()
	return nil
}

// Exists reports whether a canonical command is registered
func (v *Vocabulary) Exists(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, ok := v.index[learning.Normalize(name)]
	return ok
}

// Resolve maps a phrase (canonical name or synonym) to its command
func (v *Vocabulary) Resolve(phrase string) (Command, bool) {
	key := learning.Normalize(phrase)

	v.mu.RLock()
	defer v.mu.RUnlock()

	if pos, ok := v.index[key]; ok {
		return v.commands[pos], true
	}
	for _, cmd := range v.commands {
		for _, syn := range cmd.Synonyms {
			if syn == key {
				return cmd, true
			}
		}
	}
	return Command{}, false
}

// Commands returns a copy of the registry in registration order
func (v *Vocabulary) Commands() []Command {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Command, len(v.commands))
	copy(out, v.commands)
	return out
}

// Phrases returns every matchable phrase in registration order, canonical
// names before their synonyms. Fed to EngineAdapter.SetDynamicCommands.
func (v *Vocabulary) Phrases() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var phrases []string
	for _, cmd := range v.commands {
		phrases = append(phrases, cmd.Name)
		phrases = append(phrases, cmd.Synonyms...)
	}
	return phrases
}

// Len returns the number of registered commands
func (v *Vocabulary) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.commands)
}

// LoadFile replaces the registry with the commands in a YAML file
func (v *Vocabulary) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read vocabulary file: %w", err)
	}

	var file vocabularyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse vocabulary file: %w", err)
	}

	return v.Replace(file.Commands)
}

// SaveFile writes the registry to a YAML file
func (v *Vocabulary) SaveFile(path string) error {
	file := vocabularyFile{Commands: v.Commands()}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshal vocabulary: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write vocabulary file: %w", err)
	}
	return nil
}
