package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/rl1809/travel-planner/internal/core/domain"
	"github.com/rl1809/travel-planner/internal/port"
)

const (
	itemIDIndex = "id-index"

	// maxCascadeItems keeps plan deletion inside one TransactWriteItems call
	// (100 actions: the plan, its items, and headroom).
	maxCascadeItems = 98

	cascadeAttempts = 5
	snapshotReads   = 3
)

// DynamoDBTables names the two tables the adapter uses.
type DynamoDBTables struct {
	Plans string
	Items string
}

// DynamoDBAdapter keeps plans keyed by id and items keyed by (plan_id,
// position), so the table's own primary key is the uniqueness constraint on
// positions. Each plan carries item_count and item_rev. Every item insert or
// delete moves both in the same transaction; item_rev only grows, so cascade
// deletion and snapshot reads compare it to detect any concurrent item write.
type DynamoDBAdapter struct {
	client *dynamodb.Client
	tables DynamoDBTables
}

var _ port.DatabaseRepository = (*DynamoDBAdapter)(nil)

func NewDynamoDBAdapter(client *dynamodb.Client, tables DynamoDBTables) *DynamoDBAdapter {
	return &DynamoDBAdapter{client: client, tables: tables}
}

// NewDynamoDBClient loads the default AWS config for region. A non-empty
// endpoint (DynamoDB Local) also switches to static dummy credentials.
func NewDynamoDBClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

type planRecord struct {
	ID          string  `dynamodbav:"id"`
	Title       string  `dynamodbav:"title"`
	Description *string `dynamodbav:"description,omitempty"`
	StartDate   *string `dynamodbav:"start_date,omitempty"`
	EndDate     *string `dynamodbav:"end_date,omitempty"`
	BudgetCents *int64  `dynamodbav:"budget_cents,omitempty"`
	Currency    string  `dynamodbav:"currency"`
	IsPublic    bool    `dynamodbav:"is_public"`
	Version     int     `dynamodbav:"version"`
	ItemCount   int     `dynamodbav:"item_count"`
	ItemRev     int     `dynamodbav:"item_rev"`
	CreatedAt   string  `dynamodbav:"created_at"`
	UpdatedAt   string  `dynamodbav:"updated_at"`
}

type itemRecord struct {
	PlanID      string   `dynamodbav:"plan_id"`
	Position    int      `dynamodbav:"position"`
	ID          string   `dynamodbav:"id"`
	Name        string   `dynamodbav:"name"`
	Address     *string  `dynamodbav:"address,omitempty"`
	Latitude    *float64 `dynamodbav:"latitude,omitempty"`
	Longitude   *float64 `dynamodbav:"longitude,omitempty"`
	ArrivalAt   *string  `dynamodbav:"arrival_at,omitempty"`
	DepartureAt *string  `dynamodbav:"departure_at,omitempty"`
	BudgetCents *int64   `dynamodbav:"budget_cents,omitempty"`
	Notes       *string  `dynamodbav:"notes,omitempty"`
	CreatedAt   string   `dynamodbav:"created_at"`
}

// dynamoTime uses the fixed-width layout so string comparisons in condition
// expressions order correctly.
func dynamoTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func dynamoTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := dynamoTime(*t)
	return &s
}

func parseDynamoTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, ok, err := parseTimeValue(*s)
	if err != nil || !ok {
		return nil
	}
	return &t
}

func toPlanRecord(p domain.Plan) planRecord {
	return planRecord{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		StartDate:   dynamoTimePtr(p.StartDate),
		EndDate:     dynamoTimePtr(p.EndDate),
		BudgetCents: p.BudgetCents,
		Currency:    p.Currency,
		IsPublic:    p.IsPublic,
		Version:     p.Version,
		CreatedAt:   dynamoTime(p.CreatedAt),
		UpdatedAt:   dynamoTime(p.UpdatedAt),
	}
}

func (r planRecord) toDomain() *domain.Plan {
	p := &domain.Plan{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		StartDate:   parseDynamoTime(r.StartDate),
		EndDate:     parseDynamoTime(r.EndDate),
		BudgetCents: r.BudgetCents,
		Currency:    r.Currency,
		IsPublic:    r.IsPublic,
		Version:     r.Version,
		ItemCount:   r.ItemCount,
	}
	if t := parseDynamoTime(&r.CreatedAt); t != nil {
		p.CreatedAt = *t
	}
	if t := parseDynamoTime(&r.UpdatedAt); t != nil {
		p.UpdatedAt = *t
	}
	return p
}

func toItemRecord(it domain.Item) itemRecord {
	return itemRecord{
		PlanID:      it.PlanID,
		Position:    it.Position,
		ID:          it.ID,
		Name:        it.Name,
		Address:     it.Address,
		Latitude:    it.Latitude,
		Longitude:   it.Longitude,
		ArrivalAt:   dynamoTimePtr(it.ArrivalAt),
		DepartureAt: dynamoTimePtr(it.DepartureAt),
		BudgetCents: it.BudgetCents,
		Notes:       it.Notes,
		CreatedAt:   dynamoTime(it.CreatedAt),
	}
}

func (r itemRecord) toDomain() *domain.Item {
	it := &domain.Item{
		ID:          r.ID,
		PlanID:      r.PlanID,
		Name:        r.Name,
		Address:     r.Address,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Position:    r.Position,
		ArrivalAt:   parseDynamoTime(r.ArrivalAt),
		DepartureAt: parseDynamoTime(r.DepartureAt),
		BudgetCents: r.BudgetCents,
		Notes:       r.Notes,
	}
	if t := parseDynamoTime(&r.CreatedAt); t != nil {
		it.CreatedAt = *t
	}
	return it
}

func planKey(planID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: planID}}
}

func itemKey(planID string, position int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"plan_id":  &types.AttributeValueMemberS{Value: planID},
		"position": &types.AttributeValueMemberN{Value: strconv.Itoa(position)},
	}
}

func numberAttr(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

// EnsureTables creates the plans and items tables (and the item id index) if
// they do not exist and waits until both are active.
func (d *DynamoDBAdapter) EnsureTables(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.tables.Plans),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil && !isResourceInUse(err) {
		return fmt.Errorf("create table %s: %w", d.tables.Plans, err)
	}

	_, err = d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.tables.Items),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("plan_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("position"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("plan_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("position"), AttributeType: types.ScalarAttributeTypeN},
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(itemIDIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil && !isResourceInUse(err) {
		return fmt.Errorf("create table %s: %w", d.tables.Items, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(d.client)
	for _, name := range []string{d.tables.Plans, d.tables.Items} {
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", name, err)
		}
	}
	return nil
}

// DropTables deletes both tables; used by tests against DynamoDB Local.
func (d *DynamoDBAdapter) DropTables(ctx context.Context) error {
	for _, name := range []string{d.tables.Items, d.tables.Plans} {
		if _, err := d.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)}); err != nil {
			var notFound *types.ResourceNotFoundException
			if !errors.As(err, &notFound) {
				return fmt.Errorf("delete table %s: %w", name, err)
			}
		}
	}
	return nil
}

func isResourceInUse(err error) bool {
	var inUse *types.ResourceInUseException
	return errors.As(err, &inUse)
}

func (d *DynamoDBAdapter) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.tables.Plans)})
	return err
}

func (d *DynamoDBAdapter) CreatePlan(ctx context.Context, plan domain.Plan) error {
	av, err := attributevalue.MarshalMap(toPlanRecord(plan))
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tables.Plans),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return fmt.Errorf("put plan: %w", err)
	}
	return nil
}

func (d *DynamoDBAdapter) getPlanRecord(ctx context.Context, planID string) (*planRecord, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tables.Plans),
		Key:            planKey(planID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if out.Item == nil {
		return nil, domain.ErrPlanNotFound
	}
	var rec planRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &rec, nil
}

func (d *DynamoDBAdapter) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	rec, err := d.getPlanRecord(ctx, planID)
	if err != nil {
		return nil, err
	}
	return rec.toDomain(), nil
}

// GetPlanWithItems reads the plan, then its items, and accepts the pair only
// if the plan's item_rev and version did not move in between.
func (d *DynamoDBAdapter) GetPlanWithItems(ctx context.Context, planID string) (*domain.Plan, []domain.Item, error) {
	for attempt := 0; attempt < snapshotReads; attempt++ {
		before, err := d.getPlanRecord(ctx, planID)
		if err != nil {
			return nil, nil, err
		}
		items, err := d.ListItems(ctx, planID)
		if err != nil {
			return nil, nil, err
		}
		after, err := d.getPlanRecord(ctx, planID)
		if err != nil {
			return nil, nil, err
		}
		if before.ItemRev == after.ItemRev && before.Version == after.Version && after.ItemCount == len(items) {
			return after.toDomain(), items, nil
		}
	}
	return nil, nil, fmt.Errorf("read plan %s: %w", planID, domain.ErrContention)
}

func (d *DynamoDBAdapter) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	var plans []domain.Plan
	paginator := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:      aws.String(d.tables.Plans),
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan plans: %w", err)
		}
		var recs []planRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fmt.Errorf("unmarshal plans: %w", err)
		}
		for _, rec := range recs {
			plans = append(plans, *rec.toDomain())
		}
	}
	sort.Slice(plans, func(i, j int) bool {
		if !plans[i].UpdatedAt.Equal(plans[j].UpdatedAt) {
			return plans[i].UpdatedAt.After(plans[j].UpdatedAt)
		}
		return plans[i].ID < plans[j].ID
	})
	return plans, nil
}

// expression accumulates SET clauses with generated placeholder names.
type expression struct {
	sets   []string
	conds  []string
	names  map[string]string
	values map[string]types.AttributeValue
}

func newExpression() *expression {
	return &expression{names: map[string]string{}, values: map[string]types.AttributeValue{}}
}

func (e *expression) set(column string, value any) error {
	av, err := attributevalue.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", column, err)
	}
	n := len(e.sets)
	name, placeholder := fmt.Sprintf("#a%d", n), fmt.Sprintf(":v%d", n)
	e.names[name] = column
	e.values[placeholder] = av
	e.sets = append(e.sets, name+" = "+placeholder)
	return nil
}

func (e *expression) updateExpr() string {
	return "SET " + strings.Join(e.sets, ", ")
}

func (e *expression) conditionExpr() string {
	return "(" + strings.Join(e.conds, ") AND (") + ")"
}

// orderedPair adds a condition keeping lo <= hi when only one side is being
// written; the stored side is compared against the new value.
func (e *expression) orderedPair(loColumn, hiColumn string, lo, hi *time.Time) {
	switch {
	case lo != nil && hi == nil:
		e.names["#"+hiColumn] = hiColumn
		e.values[":"+loColumn] = &types.AttributeValueMemberS{Value: dynamoTime(*lo)}
		e.conds = append(e.conds, fmt.Sprintf("attribute_not_exists(#%s) OR #%s >= :%s", hiColumn, hiColumn, loColumn))
	case hi != nil && lo == nil:
		e.names["#"+loColumn] = loColumn
		e.values[":"+hiColumn] = &types.AttributeValueMemberS{Value: dynamoTime(*hi)}
		e.conds = append(e.conds, fmt.Sprintf("attribute_not_exists(#%s) OR #%s <= :%s", loColumn, loColumn, hiColumn))
	}
}

func (d *DynamoDBAdapter) UpdatePlan(ctx context.Context, planID string, expectedVersion int, patch domain.PlanPatch, at time.Time) (*domain.Plan, error) {
	expr := newExpression()
	for _, a := range planAssignments(patch, func(t time.Time) any { return dynamoTime(t) }) {
		if err := expr.set(a.column, a.value); err != nil {
			return nil, err
		}
	}
	expr.names["#version"] = "version"
	expr.names["#updated_at"] = "updated_at"
	expr.values[":expected"] = numberAttr(expectedVersion)
	expr.values[":one"] = numberAttr(1)
	expr.values[":updated_at"] = &types.AttributeValueMemberS{Value: dynamoTime(at)}
	expr.sets = append(expr.sets, "#version = #version + :one", "#updated_at = :updated_at")
	expr.conds = append(expr.conds, "attribute_exists(id)", "#version = :expected")
	expr.orderedPair("start_date", "end_date", patch.StartDate, patch.EndDate)

	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(d.tables.Plans),
		Key:                                 planKey(planID),
		UpdateExpression:                    aws.String(expr.updateExpr()),
		ConditionExpression:                 aws.String(expr.conditionExpr()),
		ExpressionAttributeNames:            expr.names,
		ExpressionAttributeValues:           expr.values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return nil, fmt.Errorf("update plan: %w", err)
		}
		if len(condErr.Item) == 0 {
			return nil, domain.ErrPlanNotFound
		}
		var old planRecord
		if err := attributevalue.UnmarshalMap(condErr.Item, &old); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		if old.Version != expectedVersion {
			return nil, &domain.VersionConflictError{PlanID: planID, Expected: expectedVersion, Current: old.Version}
		}
		return nil, fmt.Errorf("%w: end date before start date", domain.ErrInvalidAttributes)
	}

	var rec planRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return rec.toDomain(), nil
}

// cascade is the set of writes that removes a plan, captured at item
// revision rev.
type cascade struct {
	planID    string
	rev       int
	positions []int
}

// DeletePlan removes the plan and all of its items in one transaction. The
// plan delete is conditioned on the item_rev observed while collecting the
// item keys; any concurrent item insert or delete cancels the transaction and
// the collection is redone.
func (d *DynamoDBAdapter) DeletePlan(ctx context.Context, planID string) (int, error) {
	for attempt := 0; attempt < cascadeAttempts; attempt++ {
		c, err := d.collectCascade(ctx, planID)
		if err != nil {
			return 0, err
		}
		err = d.commitCascade(ctx, c)
		if err == nil {
			return len(c.positions), nil
		}
		if !isTransactionRace(err) {
			return 0, fmt.Errorf("delete plan: %w", err)
		}
	}
	return 0, fmt.Errorf("delete plan %s after %d attempts: %w", planID, cascadeAttempts, domain.ErrContention)
}

func (d *DynamoDBAdapter) collectCascade(ctx context.Context, planID string) (*cascade, error) {
	rec, err := d.getPlanRecord(ctx, planID)
	if err != nil {
		return nil, err
	}
	items, err := d.ListItems(ctx, planID)
	if err != nil {
		return nil, err
	}
	if len(items) > maxCascadeItems {
		return nil, fmt.Errorf("plan %s: %d items: %w", planID, len(items), domain.ErrCascadeTooLarge)
	}
	c := &cascade{planID: planID, rev: rec.ItemRev, positions: make([]int, 0, len(items))}
	for _, it := range items {
		c.positions = append(c.positions, it.Position)
	}
	return c, nil
}

func (d *DynamoDBAdapter) commitCascade(ctx context.Context, c *cascade) error {
	writes := make([]types.TransactWriteItem, 0, len(c.positions)+1)
	writes = append(writes, types.TransactWriteItem{
		Delete: &types.Delete{
			TableName:                aws.String(d.tables.Plans),
			Key:                      planKey(c.planID),
			ConditionExpression:      aws.String("attribute_exists(id) AND #rev = :rev"),
			ExpressionAttributeNames: map[string]string{"#rev": "item_rev"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":rev": numberAttr(c.rev),
			},
		},
	})
	for _, pos := range c.positions {
		writes = append(writes, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(d.tables.Items),
				Key:       itemKey(c.planID, pos),
			},
		})
	}
	_, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	return err
}

// isTransactionRace reports whether a transaction was cancelled by a failed
// condition or a conflicting concurrent transaction.
func isTransactionRace(err error) bool {
	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return true
	}
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		return false
	}
	for _, reason := range txErr.CancellationReasons {
		if reason.Code == nil {
			continue
		}
		switch *reason.Code {
		case "ConditionalCheckFailed", "TransactionConflict":
			return true
		}
	}
	return false
}

// cancellationCode returns the reason code at index i of a cancelled
// transaction, or "" if err is not a cancellation.
func cancellationCode(err error, i int) string {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) || i >= len(txErr.CancellationReasons) {
		return ""
	}
	if code := txErr.CancellationReasons[i].Code; code != nil {
		return *code
	}
	return ""
}

func (d *DynamoDBAdapter) maxPosition(ctx context.Context, planID string) (int, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(d.tables.Items),
		KeyConditionExpression:    aws.String("plan_id = :plan"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":plan": &types.AttributeValueMemberS{Value: planID}},
		ExpressionAttributeNames:  map[string]string{"#pos": "position"},
		ProjectionExpression:      aws.String("#pos"),
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(1),
		ConsistentRead:            aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("query max position: %w", err)
	}
	if len(out.Items) == 0 {
		return 0, nil
	}
	var top struct {
		Position int `dynamodbav:"position"`
	}
	if err := attributevalue.UnmarshalMap(out.Items[0], &top); err != nil {
		return 0, fmt.Errorf("unmarshal position: %w", err)
	}
	return top.Position, nil
}

func (d *DynamoDBAdapter) InsertNextItem(ctx context.Context, item domain.Item) (int, error) {
	maxPos, err := d.maxPosition(ctx, item.PlanID)
	if err != nil {
		return 0, err
	}
	item.Position = maxPos + 1
	if err := d.putItem(ctx, item); err != nil {
		return 0, err
	}
	return item.Position, nil
}

func (d *DynamoDBAdapter) InsertItemAt(ctx context.Context, item domain.Item) error {
	return d.putItem(ctx, item)
}

// putItem writes the item and bumps the plan's item_count and item_rev
// atomically. Index 0 guards plan existence, index 1 the (plan_id, position)
// key.
func (d *DynamoDBAdapter) putItem(ctx context.Context, item domain.Item) error {
	av, err := attributevalue.MarshalMap(toItemRecord(item))
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &types.Update{
				TableName:                aws.String(d.tables.Plans),
				Key:                      planKey(item.PlanID),
				UpdateExpression:         aws.String("SET #count = if_not_exists(#count, :zero) + :one, #rev = if_not_exists(#rev, :zero) + :one"),
				ConditionExpression:      aws.String("attribute_exists(id)"),
				ExpressionAttributeNames: map[string]string{"#count": "item_count", "#rev": "item_rev"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":zero": numberAttr(0),
					":one":  numberAttr(1),
				},
			}},
			{Put: &types.Put{
				TableName:           aws.String(d.tables.Items),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(plan_id)"),
			}},
		},
	})
	if err == nil {
		return nil
	}

	switch {
	case cancellationCode(err, 0) == "ConditionalCheckFailed":
		return fmt.Errorf("insert item: %w", domain.ErrPlanNotFound)
	case cancellationCode(err, 1) == "ConditionalCheckFailed", isTransactionRace(err):
		return fmt.Errorf("insert item: %w", domain.ErrPositionTaken)
	default:
		return fmt.Errorf("insert item: %w", err)
	}
}

func (d *DynamoDBAdapter) lookupItem(ctx context.Context, itemID string) (*itemRecord, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(d.tables.Items),
		IndexName:                 aws.String(itemIDIndex),
		KeyConditionExpression:    aws.String("id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":id": &types.AttributeValueMemberS{Value: itemID}},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, domain.ErrItemNotFound
	}
	var rec itemRecord
	if err := attributevalue.UnmarshalMap(out.Items[0], &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

func (d *DynamoDBAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	rec, err := d.lookupItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return rec.toDomain(), nil
}

func (d *DynamoDBAdapter) ListItems(ctx context.Context, planID string) ([]domain.Item, error) {
	items := []domain.Item{}
	paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:                 aws.String(d.tables.Items),
		KeyConditionExpression:    aws.String("plan_id = :plan"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":plan": &types.AttributeValueMemberS{Value: planID}},
		ScanIndexForward:          aws.Bool(true),
		ConsistentRead:            aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query items: %w", err)
		}
		var recs []itemRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fmt.Errorf("unmarshal items: %w", err)
		}
		for _, rec := range recs {
			items = append(items, *rec.toDomain())
		}
	}
	return items, nil
}

func (d *DynamoDBAdapter) UpdateItem(ctx context.Context, itemID string, patch domain.ItemPatch) (*domain.Item, error) {
	rec, err := d.lookupItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return rec.toDomain(), nil
	}

	expr := newExpression()
	for _, a := range itemAssignments(patch, func(t time.Time) any { return dynamoTime(t) }) {
		if err := expr.set(a.column, a.value); err != nil {
			return nil, err
		}
	}
	expr.values[":id"] = &types.AttributeValueMemberS{Value: itemID}
	expr.conds = append(expr.conds, "attribute_exists(plan_id)", "id = :id")
	expr.orderedPair("arrival_at", "departure_at", patch.ArrivalAt, patch.DepartureAt)

	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(d.tables.Items),
		Key:                                 itemKey(rec.PlanID, rec.Position),
		UpdateExpression:                    aws.String(expr.updateExpr()),
		ConditionExpression:                 aws.String(expr.conditionExpr()),
		ExpressionAttributeNames:            expr.names,
		ExpressionAttributeValues:           expr.values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return nil, fmt.Errorf("update item: %w", err)
		}
		var old itemRecord
		if len(condErr.Item) > 0 {
			_ = attributevalue.UnmarshalMap(condErr.Item, &old)
		}
		if old.ID != itemID {
			return nil, domain.ErrItemNotFound
		}
		return nil, fmt.Errorf("%w: departure before arrival", domain.ErrInvalidAttributes)
	}

	var updated itemRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return updated.toDomain(), nil
}

func (d *DynamoDBAdapter) DeleteItem(ctx context.Context, itemID string) error {
	rec, err := d.lookupItem(ctx, itemID)
	if err != nil {
		return err
	}

	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName:           aws.String(d.tables.Items),
				Key:                 itemKey(rec.PlanID, rec.Position),
				ConditionExpression: aws.String("id = :id"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":id": &types.AttributeValueMemberS{Value: itemID},
				},
			}},
			{Update: &types.Update{
				TableName:                aws.String(d.tables.Plans),
				Key:                      planKey(rec.PlanID),
				UpdateExpression:         aws.String("SET #count = #count - :one, #rev = if_not_exists(#rev, :zero) + :one"),
				ConditionExpression:      aws.String("attribute_exists(id)"),
				ExpressionAttributeNames: map[string]string{"#count": "item_count", "#rev": "item_rev"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":zero": numberAttr(0),
					":one":  numberAttr(1),
				},
			}},
		},
	})
	if err == nil {
		return nil
	}
	if cancellationCode(err, 0) == "ConditionalCheckFailed" || cancellationCode(err, 1) == "ConditionalCheckFailed" {
		return domain.ErrItemNotFound
	}
	return fmt.Errorf("delete item: %w", err)
}
