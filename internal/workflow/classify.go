package workflow

import (
	"strings"
	"unicode"
)

// Complexity decides which pipeline a request takes.
type Complexity string

const (
	// Simple requests go straight to Execute and a quick check.
	Simple Complexity = "simple"
	// Complex requests go through Spec, Plan, Execute and Verify.
	Complex Complexity = "complex"
)

// Verbs that change state. Any of them makes a request complex.
var actionVerbs = wordSet(
	"create", "crée", "créer", "cree", "creer",
	"modify", "modifie", "modifier", "edit", "change", "changer",
	"delete", "supprime", "supprimer", "remove", "rm", "efface", "effacer",
	"install", "installe", "installer", "uninstall",
	"update", "upgrade", "mets", "mettre",
	"write", "écris", "écrire", "ecris", "ecrire",
	"run", "exécute", "exécuter", "execute", "lance", "lancer",
	"deploy", "déploie", "déployer",
	"restart", "redémarre", "redémarrer", "reboot", "stop", "start",
	"move", "déplace", "déplacer", "mv",
	"copy", "copie", "copier", "cp",
	"rename", "renomme", "renommer",
	"fix", "corrige", "corriger", "repair", "répare", "réparer",
	"build", "compile", "compiler",
	"kill", "chmod", "chown", "mkdir",
	"add", "ajoute", "ajouter", "refactor", "implement", "implémente",
)

// Filesystem and account nouns. Any of them makes a request complex.
var systemNouns = wordSet(
	"fichier", "fichiers", "dossier", "dossiers",
	"file", "files", "folder", "folders",
	"directory", "directories", "répertoire", "répertoires", "repertoire",
	"user", "users", "utilisateur", "utilisateurs",
	"config", "configuration", "package", "packages",
)

// Conversational openers and closers.
var conversational = wordSet(
	"bonjour", "bonsoir", "salut", "hello", "hi", "hey", "coucou",
	"merci", "thanks", "thank", "bye", "revoir", "ciao",
)

// Multi-word conversational phrases, matched on whole tokens.
var conversationalPhrases = [][]string{
	{"how", "are", "you"},
	{"who", "are", "you"},
	{"comment", "ça", "va"},
	{"comment", "ca", "va"},
	{"qui", "es", "tu"},
	{"qui", "êtes", "vous"},
}

// Information question words.
var infoWords = wordSet(
	"status", "statut", "uptime", "version", "memory", "mémoire", "memoire",
	"disk", "disque", "cpu", "models", "modèles", "modeles", "model", "info", "infos",
	"what", "quel", "quelle", "quels", "quelles", "affiche", "montre", "liste",
	"show", "display", "list", "heure", "time", "date",
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// tokenize lowercases message and splits it into letter/digit runs.
func tokenize(message string) []string {
	return strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Classify sorts a request into the simple or complex pipeline. Any action verb or
// system noun forces Complex; greetings and information questions are Simple;
// anything else is Complex.
func Classify(message string) Complexity {
	tokens := tokenize(message)
	if len(tokens) == 0 {
		return Simple
	}
	for _, t := range tokens {
		if actionVerbs[t] || systemNouns[t] {
			return Complex
		}
	}
	for _, t := range tokens {
		if conversational[t] || infoWords[t] {
			return Simple
		}
	}
	for _, phrase := range conversationalPhrases {
		if containsPhrase(tokens, phrase) {
			return Simple
		}
	}
	return Complex
}

func containsPhrase(tokens, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, w := range phrase {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
