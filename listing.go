package ftp

import (
	"bufio"
	"context"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// listingStrategy records which directory-listing command the session
// settled on, decided exactly once (see chooseListingStrategy in session.go).
type listingStrategy int

const (
	listingStrategyUnknown listingStrategy = iota
	listingStrategyMLSD
	listingStrategyLIST
)

// Entry represents a file or directory entry from a LIST command.
type Entry struct {
	Name    string
	Type    string // "file", "dir", or "link"
	Size    int64
	ModTime time.Time // zero if the listing grammar didn't carry a timestamp
	Target  string    // symlink target, empty for files/dirs
	Raw     string    // the raw LIST line
}

// MLEntry represents a machine-readable directory entry from MLST/MLSD,
// per RFC 3659.
type MLEntry struct {
	Name     string
	Type     string // "file", "dir", "cdir", "pdir", or "link"
	Size     int64
	ModTime  time.Time
	Perm     string
	UnixMode string
	Facts    map[string]string
}

// List returns directory entries at dirPath using whichever of LIST/MLSD
// the session chose after FEAT (see chooseListingStrategy in session.go).
// If dirPath is empty, the current directory is listed.
func (c *Client) List(dirPath string) ([]*Entry, error) {
	return c.ListContext(context.Background(), dirPath)
}

// ListContext is List with an explicit cancellation context.
func (c *Client) ListContext(ctx context.Context, dirPath string) ([]*Entry, error) {
	if c.listingStrategy == listingStrategyMLSD {
		mlEntries, err := c.MLListContext(ctx, dirPath)
		if err != nil {
			return nil, err
		}
		entries := make([]*Entry, 0, len(mlEntries))
		for _, e := range mlEntries {
			entries = append(entries, &Entry{
				Name:    e.Name,
				Type:    mlTypeToEntryType(e.Type),
				Size:    e.Size,
				ModTime: e.ModTime,
			})
		}
		return entries, nil
	}
	return c.listViaLIST(ctx, dirPath)
}

// ListFiles returns List(dirPath) filtered to non-directory entries.
func (c *Client) ListFiles(dirPath string) ([]*Entry, error) {
	return c.ListFilesContext(context.Background(), dirPath)
}

// ListFilesContext is ListFiles with an explicit cancellation context.
func (c *Client) ListFilesContext(ctx context.Context, dirPath string) ([]*Entry, error) {
	entries, err := c.ListContext(ctx, dirPath)
	if err != nil {
		return nil, err
	}
	return filterEntries(entries, func(e *Entry) bool { return e.Type != "dir" }), nil
}

// ListDirectories returns List(dirPath) filtered to directory entries.
func (c *Client) ListDirectories(dirPath string) ([]*Entry, error) {
	return c.ListDirectoriesContext(context.Background(), dirPath)
}

// ListDirectoriesContext is ListDirectories with an explicit cancellation context.
func (c *Client) ListDirectoriesContext(ctx context.Context, dirPath string) ([]*Entry, error) {
	entries, err := c.ListContext(ctx, dirPath)
	if err != nil {
		return nil, err
	}
	return filterEntries(entries, func(e *Entry) bool { return e.Type == "dir" }), nil
}

func filterEntries(entries []*Entry, keep func(*Entry) bool) []*Entry {
	filtered := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// EntrySortKey selects the field SortEntries orders by.
type EntrySortKey int

const (
	SortByName EntrySortKey = iota
	SortByModTime
)

// SortEntries stably reorders entries in place by name or modification
// time, ascending unless descending is true. It's a pure post-filter step:
// call it after List/ListFiles/ListDirectories, not as part of the wire
// request.
func SortEntries(entries []*Entry, key EntrySortKey, descending bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		cmp := compareEntries(entries[i], entries[j], key)
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})
}

func compareEntries(a, b *Entry, key EntrySortKey) int {
	if key == SortByModTime {
		switch {
		case a.ModTime.Before(b.ModTime):
			return -1
		case a.ModTime.After(b.ModTime):
			return 1
		default:
			return 0
		}
	}
	switch {
	case a.Name < b.Name:
		return -1
	case a.Name > b.Name:
		return 1
	default:
		return 0
	}
}

// EntryFunc is called once per entry as ListStream parses a directory
// listing off the wire.
type EntryFunc func(*Entry) error

// ListStream lists dirPath like List, but invokes fn as each entry is
// decoded instead of materializing the full listing first, for callers
// walking very large directories.
func (c *Client) ListStream(dirPath string, fn EntryFunc) error {
	return c.ListStreamContext(context.Background(), dirPath, fn)
}

// ListStreamContext is ListStream with an explicit cancellation context.
func (c *Client) ListStreamContext(ctx context.Context, dirPath string, fn EntryFunc) error {
	if c.listingStrategy == listingStrategyMLSD {
		return c.mlsdStreamContext(ctx, dirPath, fn)
	}
	return c.listStreamViaLIST(ctx, dirPath, fn)
}

// listStreamViaLIST is listViaLIST's streaming counterpart: each parsed
// entry is handed to fn as soon as its line is decoded.
func (c *Client) listStreamViaLIST(ctx context.Context, dirPath string, fn EntryFunc) error {
	_, conn, err := c.openListConn(ctx, "LIST", dirPath)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		entry := parseListLine(scanner.Text(), c.parsers)
		if entry == nil {
			continue
		}
		if err := fn(entry); err != nil {
			_ = c.finishDataConn(ctx, conn)
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		_ = c.finishDataConn(ctx, conn)
		return &IoError{Op: "read directory listing", Err: err}
	}

	return c.finishDataConn(ctx, conn)
}

// mlsdStreamContext is MLListContext's streaming counterpart, converting
// each MLSD line to an Entry before handing it to fn.
func (c *Client) mlsdStreamContext(ctx context.Context, dirPath string, fn EntryFunc) error {
	_, conn, err := c.openListConn(ctx, "MLSD", dirPath)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		mlEntry, parseErr := parseMLEntry(line)
		if parseErr != nil {
			continue
		}
		entry := &Entry{
			Name:    mlEntry.Name,
			Type:    mlTypeToEntryType(mlEntry.Type),
			Size:    mlEntry.Size,
			ModTime: mlEntry.ModTime,
		}
		if err := fn(entry); err != nil {
			_ = c.finishDataConn(ctx, conn)
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		_ = c.finishDataConn(ctx, conn)
		return &IoError{Op: "read MLSD listing", Err: err}
	}

	return c.finishDataConn(ctx, conn)
}

func mlTypeToEntryType(t string) string {
	switch t {
	case "dir", "cdir", "pdir":
		return "dir"
	default:
		return "file"
	}
}

// listViaLIST issues the legacy LIST command and parses its free-form text
// with the registered ListingParser chain.
func (c *Client) listViaLIST(ctx context.Context, dirPath string) ([]*Entry, error) {
	_, conn, err := c.openListConn(ctx, "LIST", dirPath)
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if entry := parseListLine(scanner.Text(), c.parsers); entry != nil {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		conn.Close()
		return nil, &IoError{Op: "read directory listing", Err: err}
	}

	if err := c.finishDataConn(ctx, conn); err != nil {
		return nil, err
	}
	return entries, nil
}

// openListConn opens a data connection for a listing command (LIST/MLSD/
// NLST), omitting the path argument when dirPath is empty.
func (c *Client) openListConn(ctx context.Context, cmd, dirPath string) (*Response, net.Conn, error) {
	if dirPath == "" {
		return c.cmdDataConnFrom(ctx, cmd)
	}
	return c.cmdDataConnFrom(ctx, cmd, dirPath)
}

// ListingParser parses one line of a LIST response into an Entry.
type ListingParser interface {
	Parse(line string) (*Entry, bool)
}

// UnixParser parses Unix-style directory entries, generalized to accept
// both 9-field (with group) and 8-field (no group) layouts and numeric
// permission strings, since real server fleets emit both.
type UnixParser struct{}

func (p *UnixParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if parseUnixEntry(entry, fields) {
		return entry, true
	}
	return nil, false
}

// DOSParser parses DOS/Windows-style directory entries.
type DOSParser struct{}

func (p *DOSParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || !isDOSDate(fields[0]) {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if parseDOSEntry(entry, fields) {
		return entry, true
	}
	return nil, false
}

// EPLFParser parses EPLF ("+facts\tname") entries.
type EPLFParser struct{}

func (p *EPLFParser) Parse(line string) (*Entry, bool) {
	if !strings.HasPrefix(line, "+") {
		return nil, false
	}
	entry := &Entry{Raw: line}
	if parseEPLFEntry(entry, line) {
		return entry, true
	}
	return nil, false
}

// parseListLine runs registered parsers (falling back to a built-in set)
// over a single LIST line, in order, returning the first match.
func parseListLine(line string, parsers []ListingParser) *Entry {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if len(parsers) == 0 {
		parsers = []ListingParser{&EPLFParser{}, &DOSParser{}, &UnixParser{}}
	}
	for _, parser := range parsers {
		if entry, ok := parser.Parse(trimmed); ok {
			return entry
		}
	}
	return &Entry{Raw: line, Name: line, Type: "unknown"}
}

// parseUnixEntry parses a Unix-style directory entry, supporting both
// 9-field and 8-field formats and numeric or symbolic permissions.
func parseUnixEntry(entry *Entry, fields []string) bool {
	perms := fields[0]

	isSymbolic := len(perms) >= 1 && strings.ContainsRune("-dlbcps", rune(perms[0]))
	isNumeric := len(perms) >= 3 && len(perms) <= 4
	for _, ch := range perms {
		if ch < '0' || ch > '7' {
			isNumeric = false
			break
		}
	}
	if !isSymbolic && !isNumeric {
		return false
	}

	if isSymbolic {
		switch perms[0] {
		case 'd':
			entry.Type = "dir"
		case 'l':
			entry.Type = "link"
		default:
			entry.Type = "file"
		}
	} else {
		entry.Type = "file"
	}

	var sizeIdx, nameStartIdx int
	switch {
	case len(fields) >= 9:
		if _, err := parseSize(fields[4]); err == nil {
			sizeIdx, nameStartIdx = 4, 8
		} else if _, err := parseSize(fields[3]); err == nil {
			sizeIdx, nameStartIdx = 3, 7
		} else {
			return false
		}
	case len(fields) == 8:
		if _, err := parseSize(fields[3]); err == nil {
			sizeIdx, nameStartIdx = 3, 7
		} else {
			return false
		}
	default:
		return false
	}

	size, err := parseSize(fields[sizeIdx])
	if err != nil {
		return false
	}
	entry.Size = size

	fullName := strings.Join(fields[nameStartIdx:], " ")
	if entry.Type == "link" {
		if before, after, ok := strings.Cut(fullName, " -> "); ok {
			entry.Name = before
			entry.Target = after
		} else {
			entry.Name = fullName
		}
	} else {
		entry.Name = fullName
	}
	return true
}

// parseEPLFEntry parses "+facts\tname" or "+facts name" EPLF lines.
func parseEPLFEntry(entry *Entry, line string) bool {
	if !strings.HasPrefix(line, "+") {
		return false
	}
	line = line[1:]

	idx := strings.IndexAny(line, "\t ")
	if idx == -1 {
		return false
	}
	facts := line[:idx]
	name := strings.TrimSpace(line[idx+1:])
	if name == "" {
		return false
	}

	entry.Name = name
	entry.Type = "file"

	for _, fact := range strings.Split(facts, ",") {
		if fact == "" {
			continue
		}
		switch fact[0] {
		case '/':
			entry.Type = "dir"
		case 's':
			if len(fact) > 1 {
				if size, err := parseSize(fact[1:]); err == nil {
					entry.Size = size
				}
			}
		}
	}
	return true
}

// isDOSDate reports whether s looks like a DOS/Windows date (MM-DD-YY[YY]
// or MM/DD/YY[YY]).
func isDOSDate(s string) bool {
	var parts []string
	switch {
	case strings.Contains(s, "-"):
		parts = strings.Split(s, "-")
	case strings.Contains(s, "/"):
		parts = strings.Split(s, "/")
	default:
		return false
	}
	if len(parts) != 3 {
		return false
	}
	for i, part := range parts {
		if len(part) < 1 || len(part) > 4 {
			return false
		}
		if i == 2 && len(part) != 2 && len(part) != 4 {
			return false
		}
		if i < 2 && len(part) > 2 {
			return false
		}
		for _, ch := range part {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}

// parseDOSEntry parses a DOS/Windows-style directory entry, e.g.
// "12-14-23  12:22PM  1037794 file.pdf" or "... <DIR> subdir".
func parseDOSEntry(entry *Entry, fields []string) bool {
	if len(fields) < 4 {
		return false
	}
	if fields[2] == "<DIR>" {
		entry.Type = "dir"
		entry.Name = strings.Join(fields[3:], " ")
		return true
	}
	size, err := parseSize(fields[2])
	if err != nil {
		return false
	}
	entry.Type = "file"
	entry.Size = size
	entry.Name = strings.Join(fields[3:], " ")
	return true
}

func parseSize(sizeStr string) (int64, error) {
	return strconv.ParseInt(sizeStr, 10, 64)
}

// NameList returns a simple list of names at dirPath using NLST.
func (c *Client) NameList(dirPath string) ([]string, error) {
	return c.NameListContext(context.Background(), dirPath)
}

// NameListContext is NameList with an explicit cancellation context.
func (c *Client) NameListContext(ctx context.Context, dirPath string) ([]string, error) {
	_, conn, err := c.openListConn(ctx, "NLST", dirPath)
	if err != nil {
		return nil, err
	}

	var names []string
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		conn.Close()
		return nil, &IoError{Op: "read name list", Err: err}
	}

	if err := c.finishDataConn(ctx, conn); err != nil {
		return nil, err
	}
	return names, nil
}

// MLStat returns a single entry's facts using MLST (RFC 3659).
func (c *Client) MLStat(path string) (*MLEntry, error) {
	return c.MLStatContext(context.Background(), path)
}

// MLStatContext is MLStat with an explicit cancellation context.
func (c *Client) MLStatContext(ctx context.Context, path string) (*MLEntry, error) {
	resp, err := c.sendCommand(ctx, "MLST", path)
	if err != nil {
		return nil, err
	}
	if resp.Code != 250 {
		return nil, &FtpError{Command: "MLST", Response: resp.Message, Code: resp.Code}
	}

	var entryLine string
	for _, line := range resp.Lines {
		if len(line) >= 4 && (line[3] == '-' || line[3] == ' ') {
			continue
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			entryLine = trimmed
			break
		}
	}
	if entryLine == "" {
		return nil, &ProtocolParseError{Extractor: "MLStat", Input: resp.String()}
	}

	return parseMLEntry(entryLine)
}

// MLList returns machine-readable directory entries at dirPath using MLSD
// (RFC 3659). Malformed lines are skipped rather than failing the listing.
func (c *Client) MLList(dirPath string) ([]*MLEntry, error) {
	return c.MLListContext(context.Background(), dirPath)
}

// MLListContext is MLList with an explicit cancellation context.
func (c *Client) MLListContext(ctx context.Context, dirPath string) ([]*MLEntry, error) {
	_, conn, err := c.openListConn(ctx, "MLSD", dirPath)
	if err != nil {
		return nil, err
	}

	var entries []*MLEntry
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if entry, parseErr := parseMLEntry(line); parseErr == nil {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		conn.Close()
		return nil, &IoError{Op: "read MLSD listing", Err: err}
	}

	if err := c.finishDataConn(ctx, conn); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseMLEntry parses one "fact1=val1;fact2=val2; name" MLST/MLSD line.
func parseMLEntry(line string) (*MLEntry, error) {
	spaceIdx := strings.Index(line, " ")
	if spaceIdx == -1 {
		return nil, &ProtocolParseError{Extractor: "parseMLEntry", Input: line}
	}

	factsStr := line[:spaceIdx]
	name := line[spaceIdx+1:]

	facts := make(map[string]string)
	for _, pair := range strings.Split(factsStr, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		facts[strings.ToLower(k)] = v
	}

	entry := &MLEntry{Name: name, Facts: facts}
	if typeVal, ok := facts["type"]; ok {
		entry.Type = strings.ToLower(typeVal)
	}
	if sizeVal, ok := facts["size"]; ok {
		if size, err := strconv.ParseInt(sizeVal, 10, 64); err == nil {
			entry.Size = size
		}
	}
	if modifyVal, ok := facts["modify"]; ok {
		timestamp := strings.Split(modifyVal, ".")[0]
		if len(timestamp) == 14 {
			if t, err := time.Parse("20060102150405", timestamp); err == nil {
				entry.ModTime = t.UTC()
			}
		}
	}
	if permVal, ok := facts["perm"]; ok {
		entry.Perm = permVal
	}
	if modeVal, ok := facts["unix.mode"]; ok {
		entry.UnixMode = modeVal
	}

	return entry, nil
}

// WalkFunc is called for each entry visited by Walk. path carries Walk's
// root argument as a prefix. Returning SkipDir on a directory skips its
// contents; on a non-directory it skips the remaining siblings.
type WalkFunc func(path string, info *Entry, err error) error

// SkipDir signals WalkFunc to skip the directory or remaining siblings.
var SkipDir = filepath.SkipDir

// Walk walks the tree rooted at root in lexical order, calling walkFn for
// every entry including root itself. Built from repeated List calls, in
// the push/pop-directory-stack manner of a remote-filesystem walker.
func (c *Client) Walk(root string, walkFn WalkFunc) error {
	return c.WalkContext(context.Background(), root, walkFn)
}

// WalkContext is Walk with an explicit cancellation context.
func (c *Client) WalkContext(ctx context.Context, root string, walkFn WalkFunc) error {
	cleanRoot := path.Clean(root)

	var rootEntry *Entry
	if cleanRoot == "." || cleanRoot == "/" {
		rootEntry = &Entry{Name: cleanRoot, Type: "dir"}
	} else {
		parent := path.Dir(cleanRoot)
		if parent == "." && !strings.Contains(cleanRoot, "/") {
			parent = ""
		}
		entries, err := c.ListContext(ctx, parent)
		if err != nil {
			return walkFn(root, nil, err)
		}
		target := path.Base(cleanRoot)
		for _, e := range entries {
			if e.Name == target {
				rootEntry = e
				break
			}
		}
		if rootEntry == nil {
			return walkFn(root, nil, os.ErrNotExist)
		}
	}

	return c.walk(ctx, cleanRoot, rootEntry, walkFn)
}

func (c *Client) walk(ctx context.Context, pathStr string, info *Entry, walkFn WalkFunc) error {
	if err := walkFn(pathStr, info, nil); err != nil {
		if info != nil && info.Type == "dir" && err == SkipDir {
			return nil
		}
		return err
	}

	if info == nil || info.Type != "dir" {
		return nil
	}

	entries, err := c.ListContext(ctx, pathStr)
	if err != nil {
		return walkFn(pathStr, info, err)
	}

	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		fullPath := path.Join(pathStr, entry.Name)
		if err := c.walk(ctx, fullPath, entry, walkFn); err != nil {
			if err == SkipDir {
				continue
			}
			return err
		}
	}

	return nil
}
