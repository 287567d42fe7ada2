package executor

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/upb/crypto-control-plane/services"
)

// UnsafeArgKind classifies why an argument value was rejected
type UnsafeArgKind string

const (
	UnsafeShellMetacharacter  UnsafeArgKind = "shell_metacharacter"
	UnsafeCommandSubstitution UnsafeArgKind = "command_substitution"
	UnsafeControlCharacter    UnsafeArgKind = "control_character"
	UnsafeNullByte            UnsafeArgKind = "null_byte"
	UnsafePathTraversal       UnsafeArgKind = "path_traversal"
)

// ArgDetection pinpoints one unsafe fragment inside an argument value
type ArgDetection struct {
	Kind        UnsafeArgKind
	Pattern     string
	StartPos    int
	EndPos      int
	Description string
}

var (
	// Characters a shell would reinterpret as pipeline or redirection
	// operators
	shellMetacharacterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[;|&<>]`),
	}

	// Variable expansion and command substitution markers
	commandSubstitutionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\$`),
		regexp.MustCompile("`"),
	}

	// Line breaks split a single argument into multiple commands
	controlCharacterPatterns = []*regexp.Regexp{
		regexp.MustCompile("[\n\r]"),
		regexp.MustCompile(`[\x01-\x08\x0b\x0c\x0e-\x1f]`),
	}

	// NUL terminates strings early in C-based tool chains
	nullBytePatterns = []*regexp.Regexp{
		regexp.MustCompile("\x00"),
	}

	// Parent-directory sequences escape the tool's working directory
	pathTraversalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(^|[\\/])\.\.([\\/]|$)`),
	}
)

// DetectUnsafe scans one argument value and returns every unsafe fragment
// found, in position order per category
func DetectUnsafe(value string) []ArgDetection {
	var detections []ArgDetection

	for _, pattern := range shellMetacharacterPatterns {
		for _, match := range pattern.FindAllStringIndex(value, -1) {
			detections = append(detections, ArgDetection{
				Kind:        UnsafeShellMetacharacter,
				Pattern:     pattern.String(),
				StartPos:    match[0],
				EndPos:      match[1],
				Description: "shell pipeline or redirection metacharacter",
			})
		}
	}

	for _, pattern := range commandSubstitutionPatterns {
		for _, match := range pattern.FindAllStringIndex(value, -1) {
			detections = append(detections, ArgDetection{
				Kind:        UnsafeCommandSubstitution,
				Pattern:     pattern.String(),
				StartPos:    match[0],
				EndPos:      match[1],
				Description: "variable expansion or command substitution marker",
			})
		}
	}

	for _, pattern := range controlCharacterPatterns {
		for _, match := range pattern.FindAllStringIndex(value, -1) {
			detections = append(detections, ArgDetection{
				Kind:        UnsafeControlCharacter,
				Pattern:     pattern.String(),
				StartPos:    match[0],
				EndPos:      match[1],
				Description: "control character inside argument value",
			})
		}
	}

	for _, pattern := range nullBytePatterns {
		for _, match := range pattern.FindAllStringIndex(value, -1) {
			detections = append(detections, ArgDetection{
				Kind:        UnsafeNullByte,
				Pattern:     pattern.String(),
				StartPos:    match[0],
				EndPos:      match[1],
				Description: "null byte inside argument value",
			})
		}
	}

	for _, pattern := range pathTraversalPatterns {
		for _, match := range pattern.FindAllStringIndex(value, -1) {
			detections = append(detections, ArgDetection{
				Kind:        UnsafePathTraversal,
				Pattern:     pattern.String(),
				StartPos:    match[0],
				EndPos:      match[1],
				Description: "parent-directory traversal sequence",
			})
		}
	}

	return detections
}

// IsUnsafe reports whether the value contains any fragment a shell or
// sub-process could reinterpret
func IsUnsafe(value string) bool {
	return len(DetectUnsafe(value)) > 0
}

// ValidateArgSafety rejects the argument map if any value contains shell
// metacharacters, substitution markers, control characters, null bytes, or
// path traversal sequences. Rejection is a hard precondition of invocation;
// values are never rewritten. Arguments are checked in name order so the
// reported violation is deterministic.
func ValidateArgSafety(args map[string]string) error {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		detections := DetectUnsafe(args[name])
		if len(detections) == 0 {
			continue
		}
		kinds := make([]string, 0, len(detections))
		seen := make(map[UnsafeArgKind]bool)
		for _, d := range detections {
			if !seen[d.Kind] {
				kinds = append(kinds, string(d.Kind))
				seen[d.Kind] = true
			}
		}
		return services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("argument %q contains unsafe content: %s", name, kinds[0]), nil).
			WithDetail("argument", name).
			WithDetail("kinds", kinds)
	}
	return nil
}
