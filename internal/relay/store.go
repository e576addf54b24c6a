package relay

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// ErrShopNotFound indicates an unknown shop id in the store.
var ErrShopNotFound = errors.New("shop not found")

// ErrShopExists indicates a create collided with an existing shop id.
var ErrShopExists = errors.New("shop already exists")

// ErrPrinterNotFound indicates an unknown printer ip for a shop.
var ErrPrinterNotFound = errors.New("printer not found")

// Shop is one configured retail location.
type Shop struct {
	ShopID              string    `json:"shopId"`
	Name                string    `json:"name"`
	ManagerCompanyID    string    `json:"managerCompanyId,omitempty"`
	AgentBaseURL        string    `json:"agentBaseUrl,omitempty"`
	BackupAgentBaseURLs []string  `json:"backupAgentBaseUrls,omitempty"`
	AllowSelfSigned     bool      `json:"allowSelfSigned,omitempty"`
	Printers            []Printer `json:"printers"`
}

// Printer is one configured TCP printer belonging to a shop.
type Printer struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Store persists shop and printer configuration plus the task audit log.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore wraps the given database.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}
}

// ListShops returns all configured shops with their printers.
func (s *Store) ListShops() ([]Shop, error) {
	rows, err := s.db.Query(`
		SELECT shop_id, name, manager_company_id, agent_base_url,
		       backup_agent_base_urls, allow_self_signed
		FROM shops ORDER BY shop_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var shops []Shop
	for rows.Next() {
		var sh Shop
		var backups string
		var selfSigned int
		if err := rows.Scan(&sh.ShopID, &sh.Name, &sh.ManagerCompanyID,
			&sh.AgentBaseURL, &backups, &selfSigned); err != nil {
			return nil, err
		}
		sh.BackupAgentBaseURLs = splitURLs(backups)
		sh.AllowSelfSigned = selfSigned != 0
		sh.Printers = []Printer{}
		shops = append(shops, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachPrinters(shops); err != nil {
		return nil, err
	}
	return shops, nil
}

func (s *Store) attachPrinters(shops []Shop) error {
	if len(shops) == 0 {
		return nil
	}
	index := make(map[string]int, len(shops))
	for i, sh := range shops {
		index[sh.ShopID] = i
	}

	rows, err := s.db.Query(`SELECT shop_id, ip, port, name, type FROM printers ORDER BY shop_id, ip`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var shopID string
		var p Printer
		if err := rows.Scan(&shopID, &p.IP, &p.Port, &p.Name, &p.Type); err != nil {
			return err
		}
		if i, ok := index[shopID]; ok {
			shops[i].Printers = append(shops[i].Printers, p)
		}
	}
	return rows.Err()
}

// GetShop returns one shop with its printers, or ErrShopNotFound.
func (s *Store) GetShop(shopID string) (*Shop, error) {
	var sh Shop
	var backups string
	var selfSigned int
	err := s.db.QueryRow(`
		SELECT shop_id, name, manager_company_id, agent_base_url,
		       backup_agent_base_urls, allow_self_signed
		FROM shops WHERE shop_id = ?
	`, shopID).Scan(&sh.ShopID, &sh.Name, &sh.ManagerCompanyID,
		&sh.AgentBaseURL, &backups, &selfSigned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShopNotFound
	}
	if err != nil {
		return nil, err
	}
	sh.BackupAgentBaseURLs = splitURLs(backups)
	sh.AllowSelfSigned = selfSigned != 0
	sh.Printers = []Printer{}

	rows, err := s.db.Query(`SELECT ip, port, name, type FROM printers WHERE shop_id = ? ORDER BY ip`, shopID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p Printer
		if err := rows.Scan(&p.IP, &p.Port, &p.Name, &p.Type); err != nil {
			return nil, err
		}
		sh.Printers = append(sh.Printers, p)
	}
	return &sh, rows.Err()
}

// CreateShop inserts a new shop record.
func (s *Store) CreateShop(sh Shop) error {
	if sh.Name == "" {
		sh.Name = sh.ShopID
	}
	_, err := s.db.Exec(`
		INSERT INTO shops (shop_id, name, manager_company_id, agent_base_url,
		                   backup_agent_base_urls, allow_self_signed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sh.ShopID, sh.Name, sh.ManagerCompanyID, sh.AgentBaseURL,
		strings.Join(sh.BackupAgentBaseURLs, ","), boolInt(sh.AllowSelfSigned))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrShopExists
	}
	return err
}

// UpdateShop overwrites the mutable fields of an existing shop.
func (s *Store) UpdateShop(sh Shop) error {
	if sh.Name == "" {
		sh.Name = sh.ShopID
	}
	res, err := s.db.Exec(`
		UPDATE shops SET name = ?, manager_company_id = ?, agent_base_url = ?,
		       backup_agent_base_urls = ?, allow_self_signed = ?
		WHERE shop_id = ?
	`, sh.Name, sh.ManagerCompanyID, sh.AgentBaseURL,
		strings.Join(sh.BackupAgentBaseURLs, ","), boolInt(sh.AllowSelfSigned), sh.ShopID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrShopNotFound
	}
	return nil
}

// DeleteShop removes a shop and its printers.
func (s *Store) DeleteShop(shopID string) error {
	res, err := s.db.Exec(`DELETE FROM shops WHERE shop_id = ?`, shopID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrShopNotFound
	}
	_, _ = s.db.Exec(`DELETE FROM printers WHERE shop_id = ?`, shopID)
	return nil
}

// UpsertPrinter adds or replaces a printer, keyed by (shop, ip).
func (s *Store) UpsertPrinter(shopID string, p Printer) error {
	if _, err := s.GetShop(shopID); err != nil {
		return err
	}
	if p.Port <= 0 {
		p.Port = 9100
	}
	if p.Type == "" {
		p.Type = "kitchen"
	}
	_, err := s.db.Exec(`
		INSERT INTO printers (shop_id, ip, port, name, type)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(shop_id, ip) DO UPDATE SET
			port = excluded.port,
			name = excluded.name,
			type = excluded.type
	`, shopID, p.IP, p.Port, p.Name, p.Type)
	return err
}

// DeletePrinter removes one printer by shop and ip.
func (s *Store) DeletePrinter(shopID, ip string) error {
	res, err := s.db.Exec(`DELETE FROM printers WHERE shop_id = ? AND ip = ?`, shopID, ip)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPrinterNotFound
	}
	return nil
}

// CompanyEntry maps a manager company id to its shop routing info.
type CompanyEntry struct {
	ShopID              string   `json:"shopId"`
	AgentBaseURL        string   `json:"agentBaseUrl,omitempty"`
	BackupAgentBaseURLs []string `json:"backupAgentBaseUrls,omitempty"`
	AllowSelfSigned     bool     `json:"allowSelfSigned,omitempty"`
}

// CompanyMap returns the manager-company → shop routing map used by the
// business system's environment generation.
func (s *Store) CompanyMap() (map[string]CompanyEntry, error) {
	shops, err := s.ListShops()
	if err != nil {
		return nil, err
	}
	out := make(map[string]CompanyEntry)
	for _, sh := range shops {
		key := strings.TrimSpace(sh.ManagerCompanyID)
		if key == "" {
			continue
		}
		out[key] = CompanyEntry{
			ShopID:              sh.ShopID,
			AgentBaseURL:        sh.AgentBaseURL,
			BackupAgentBaseURLs: sh.BackupAgentBaseURLs,
			AllowSelfSigned:     sh.AllowSelfSigned,
		}
	}
	return out, nil
}

// AppendTaskLog records a resolved task for audit.
func (s *Store) AppendTaskLog(snap TaskSnapshot) {
	completed := any(nil)
	if snap.CompletedAt != nil {
		completed = *snap.CompletedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO task_log (task_id, shop_id, type, status, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.ShopID, snap.Type, string(snap.Status), snap.Error, snap.CreatedAt, completed)
	if err != nil {
		s.log.Warn().Err(err).Str("task", snap.ID).Msg("failed to append task log")
	}
}

func splitURLs(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
